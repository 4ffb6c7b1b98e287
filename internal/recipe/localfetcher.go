package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFetcher implements Fetcher by reading recipe YAML files out of a
// directory on disk, named "<name>-<version>.yaml" — the same naming
// convention as the recipe cache itself. It stands in for the real cloud
// recipe catalog in the daemon (`fleetkeeperd serve`) and in tests,
// exercising the same Store.Manifest code the cloud-backed Fetcher would.
type LocalFetcher struct {
	Dir string
}

func (f LocalFetcher) ListVersions(ctx context.Context, name string) ([]VersionInfo, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("recipe: list %s: %w", f.Dir, err)
	}
	prefix := name + "-"
	var out []VersionInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, VersionInfo{
			Version:     strings.TrimPrefix(base, prefix),
			PublishedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (f LocalFetcher) FetchRecipe(ctx context.Context, name, version string) ([]byte, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(f.Dir, name+"-"+version+ext)
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("recipe: no local recipe file for %s-%s in %s", name, version, f.Dir)
}
