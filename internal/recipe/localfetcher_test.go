package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecipeFile(t *testing.T, dir, name, version string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+"-"+version+".yaml"), []byte(sampleRecipe), 0o644))
}

func TestLocalFetcher_ListVersions(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "com.example.CustomerApp", "1.0.0")
	writeRecipeFile(t, dir, "com.example.CustomerApp", "1.1.0")
	writeRecipeFile(t, dir, "com.example.OtherApp", "2.0.0")

	f := LocalFetcher{Dir: dir}
	versions, err := f.ListVersions(context.Background(), "com.example.CustomerApp")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	got := []string{versions[0].Version, versions[1].Version}
	assert.ElementsMatch(t, []string{"1.0.0", "1.1.0"}, got)
}

func TestLocalFetcher_FetchRecipeMissing(t *testing.T) {
	f := LocalFetcher{Dir: t.TempDir()}
	_, err := f.FetchRecipe(context.Background(), "nope", "1.0.0")
	assert.Error(t, err)
}

func TestLocalFetcher_FetchRecipeFound(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "com.example.CustomerApp", "1.0.0")
	f := LocalFetcher{Dir: dir}
	data, err := f.FetchRecipe(context.Background(), "com.example.CustomerApp", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, string(data), "com.example.CustomerApp")
}
