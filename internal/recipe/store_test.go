package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetkeeper/pkg/logging"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	fetcherDir := t.TempDir()
	writeRecipeFile(t, fetcherDir, "com.example.CustomerApp", "1.0.0")
	return New(logging.Nop(), root, LocalFetcher{Dir: fetcherDir}), root
}

func TestStore_ManifestFetchesAndCaches(t *testing.T) {
	store, root := newTestStore(t)

	model, err := store.Manifest("com.example.CustomerApp", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "com.example.CustomerApp", model.Name)
	assert.FileExists(t, store.path("com.example.CustomerApp", "1.0.0"))
	_ = root

	// Second call must come from the in-memory cache, not re-fetch; it
	// would still work. Instead exercise the on-disk path by building a new
	// Store over the same root with no fetcher at all.
	store2 := New(logging.Nop(), root, nil)
	model2, err := store2.Manifest("com.example.CustomerApp", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, model.Version, model2.Version)
}

func TestStore_ManifestNoFetcherNoCacheFails(t *testing.T) {
	store := New(logging.Nop(), t.TempDir(), nil)
	_, err := store.Manifest("missing", "1.0.0")
	assert.Error(t, err)
}

func TestStore_VersionsListsEveryPublishedVersion(t *testing.T) {
	fetcherDir := t.TempDir()
	writeRecipeFile(t, fetcherDir, "com.example.CustomerApp", "1.0.0")
	writeRecipeFile(t, fetcherDir, "com.example.CustomerApp", "2.0.0")
	store := New(logging.Nop(), t.TempDir(), LocalFetcher{Dir: fetcherDir})

	versions, err := store.Versions("com.example.CustomerApp")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestStore_DependenciesProjectsRanges(t *testing.T) {
	store, _ := newTestStore(t)
	deps, err := store.Dependencies("com.example.CustomerApp", "1.0.0")
	require.NoError(t, err)
	rng, ok := deps["com.example.Mosquitto"]
	require.True(t, ok)
	assert.Equal(t, ">=2.0.0", rng)
}
