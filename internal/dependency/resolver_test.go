package dependency

import (
	"fmt"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog implements Catalog over an in-memory fixture describing
// available versions and their dependencies.
type fakeCatalog struct {
	versions map[string][]string
	deps     map[string]map[string]string // "name@version" -> dep name -> range
}

func (c *fakeCatalog) Versions(name string) ([]CandidateVersion, error) {
	var out []CandidateVersion
	for i, v := range c.versions[name] {
		ver, err := semver.NewVersion(v)
		if err != nil {
			return nil, err
		}
		out = append(out, CandidateVersion{Version: ver, PublishedAt: time.Unix(int64(i), 0)})
	}
	return out, nil
}

func (c *fakeCatalog) Dependencies(name, version string) (map[string]string, error) {
	return c.deps[name+"@"+version], nil
}

func TestResolve_SimpleRootConstraint(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]string{"App": {"1.0.0", "1.1.0", "2.0.0"}},
	}
	r := NewResolver(catalog)
	result, err := r.Resolve(map[string][]Constraint{
		"App": {{Range: "<2.0.0", Origin: "group:default"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", result["App"])
}

func TestResolve_TransitiveDependency(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]string{
			"App":  {"1.0.0"},
			"Libc": {"1.0.0", "2.0.0"},
		},
		deps: map[string]map[string]string{
			"App@1.0.0": {"Libc": ">=2.0.0"},
		},
	}
	r := NewResolver(catalog)
	result, err := r.Resolve(map[string][]Constraint{
		"App": {{Range: "1.0.0", Origin: "group:default"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", result["Libc"])
}

func TestResolve_ConflictingTransitiveConstraints(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]string{
			"SomeOldService": {"0.9.0"},
			"SomeService":    {"1.0.0"},
			"Mosquitto":      {"1.5.0", "2.0.0"},
		},
		deps: map[string]map[string]string{
			"SomeOldService@0.9.0": {"Mosquitto": "<=1.5.0"},
			"SomeService@1.0.0":    {"Mosquitto": ">=2.0.0"},
		},
	}
	r := NewResolver(catalog)
	_, err := r.Resolve(map[string][]Constraint{
		"SomeOldService": {{Range: "0.9.0", Origin: "group:default"}},
		"SomeService":    {{Range: "1.0.0", Origin: "group:default"}},
	})
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Mosquitto", conflict.Name)
}

func TestResolve_MultipleNucleusIsFatal(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]string{
			"aws.NucleusA": {"1.0.0"},
			"aws.NucleusB": {"1.0.0"},
		},
	}
	r := NewResolver(catalog, "aws.NucleusA", "aws.NucleusB")
	_, err := r.Resolve(map[string][]Constraint{
		"aws.NucleusA": {{Range: "1.0.0", Origin: "group:default"}},
		"aws.NucleusB": {{Range: "1.0.0", Origin: "group:default"}},
	})
	require.Error(t, err)
	var nucleusErr *MultipleNucleusError
	require.ErrorAs(t, err, &nucleusErr)
}

func TestResolve_DeterministicCandidateOrder(t *testing.T) {
	catalog := &fakeCatalog{versions: map[string][]string{"App": {"1.0.0", "1.2.0", "1.1.0"}}}
	r := NewResolver(catalog)
	for i := 0; i < 5; i++ {
		result, err := r.Resolve(map[string][]Constraint{"App": {{Range: "*", Origin: "group:default"}}})
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", result["App"], fmt.Sprintf("iteration %d", i))
	}
}
