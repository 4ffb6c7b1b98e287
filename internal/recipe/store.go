package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"fleetkeeper/internal/dependency"
	"fleetkeeper/internal/ferrors"
	"fleetkeeper/pkg/logging"
)

func parseSemVer(s string) (*semver.Version, error) {
	return semver.NewVersion(s)
}

// Fetcher is the cloud recipe catalog this repo only describes by
// interface: given a component name it lists published versions, and
// given a (name, version) it returns the raw recipe document. A real
// implementation talks to the fleet's recipe service; tests and the
// local CLI path use a directory-backed Fetcher.
type Fetcher interface {
	ListVersions(ctx context.Context, name string) ([]VersionInfo, error)
	FetchRecipe(ctx context.Context, name, version string) ([]byte, error)
}

// VersionInfo is one version a Fetcher reports as available, carrying the
// publication time the resolver uses to break ties between otherwise-equal
// SemVer candidates (newer publication wins).
type VersionInfo struct {
	Version     string
	PublishedAt time.Time
}

// Store is the on-disk, immutable recipe cache rooted at
// <root>/packages/recipes/<name>-<version>.yaml: it fetches through
// Fetcher on a miss, parses once, and serves every subsequent lookup from
// disk. Store satisfies both dependency.Catalog and
// deployment.RecipeCatalog so the resolver and the DeploymentController
// share one cache instead of parsing the same recipe twice.
type Store struct {
	log     *logging.Logger
	root    string
	fetcher Fetcher

	sf singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Model // "name@version" -> parsed model
}

// New creates a Store rooted at root, backed by fetcher for cache misses.
func New(log *logging.Logger, root string, fetcher Fetcher) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		log:     log.With("recipe.store"),
		root:    root,
		fetcher: fetcher,
		cache:   make(map[string]*Model),
	}
}

func (s *Store) path(name, version string) string {
	return filepath.Join(s.root, "packages", "recipes", fmt.Sprintf("%s-%s.yaml", name, version))
}

// Manifest loads and parses the recipe for (name, version), fetching and
// caching it on disk on first use. Recipes are immutable once written,
// so a cache hit never re-fetches.
func (s *Store) Manifest(name, version string) (*Model, error) {
	key := name + "@" + version
	s.mu.RLock()
	if m, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.loadOrFetch(name, version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

func (s *Store) loadOrFetch(name, version string) (*Model, error) {
	p := s.path(name, version)
	data, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("recipe: read cached recipe %s: %w", p, err)
		}
		data, err = s.fetchAndStore(name, version, p)
		if err != nil {
			return nil, err
		}
	}
	model, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[name+"@"+version] = model
	s.mu.Unlock()
	return model, nil
}

func (s *Store) fetchAndStore(name, version, dest string) ([]byte, error) {
	if s.fetcher == nil {
		return nil, ferrors.New(ferrors.KindArtifactFetchFailed, fmt.Sprintf("no recipe fetcher configured for %s@%s", name, version))
	}
	data, err := s.fetcher.FetchRecipe(context.Background(), name, version)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindArtifactFetchFailed, err, fmt.Sprintf("fetch recipe %s@%s", name, version))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("recipe: mkdir: %w", err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("recipe: write temp recipe: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, fmt.Errorf("recipe: commit recipe: %w", err)
	}
	return data, nil
}

// Versions satisfies dependency.Catalog: it asks the Fetcher for every
// published version of name and parses each into a candidate the resolver
// can order (descending SemVer, publication-time tie-break).
func (s *Store) Versions(name string) ([]dependency.CandidateVersion, error) {
	if s.fetcher == nil {
		return nil, ferrors.New(ferrors.KindArtifactFetchFailed, fmt.Sprintf("no recipe fetcher configured for %s", name))
	}
	infos, err := s.fetcher.ListVersions(context.Background(), name)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindArtifactFetchFailed, err, fmt.Sprintf("list versions of %s", name))
	}
	out := make([]dependency.CandidateVersion, 0, len(infos))
	for _, info := range infos {
		v, err := parseSemVer(info.Version)
		if err != nil {
			s.log.Warn("skipping %s@%s: %v", name, info.Version, err)
			continue
		}
		out = append(out, dependency.CandidateVersion{Version: v, PublishedAt: info.PublishedAt})
	}
	return out, nil
}

// Dependencies satisfies dependency.Catalog by loading the full recipe
// and projecting its declared dependency map down to name→range.
func (s *Store) Dependencies(name, version string) (map[string]string, error) {
	model, err := s.Manifest(name, version)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(model.Dependencies))
	for depName, dep := range model.Dependencies {
		out[depName] = dep.VersionRange
	}
	return out, nil
}
