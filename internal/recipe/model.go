// Package recipe parses on-disk component recipes into an immutable
// RecipeModel, selecting the manifest variant for the running platform and
// rendering lifecycle phase commands against a component's configuration.
package recipe

import "fmt"

// DependencyKind distinguishes a HARD dependency (forces this component to
// restart when the dependency restarts) from a SOFT one (informational
// only).
type DependencyKind string

const (
	DependencyHard DependencyKind = "HARD"
	DependencySoft DependencyKind = "SOFT"
)

// Dependency is one entry of a recipe's dependency map.
type Dependency struct {
	VersionRange string
	Kind         DependencyKind
}

// LifecyclePhase names the well-known phases a recipe may define; any
// other key is rejected at parse time with ferrors.KindInvalidRecipe.
type LifecyclePhase string

const (
	PhaseInstall   LifecyclePhase = "install"
	PhaseStartup   LifecyclePhase = "startup"
	PhaseRun       LifecyclePhase = "run"
	PhaseShutdown  LifecyclePhase = "shutdown"
	PhaseRecover   LifecyclePhase = "recover"
	PhaseBootstrap LifecyclePhase = "bootstrap"
)

var knownPhases = map[LifecyclePhase]bool{
	PhaseInstall: true, PhaseStartup: true, PhaseRun: true,
	PhaseShutdown: true, PhaseRecover: true, PhaseBootstrap: true,
}

// Artifact is a single file a recipe's install phase expects on disk,
// content-addressed by digest.
type Artifact struct {
	URI         string
	Digest      string
	Unarchive   bool
	Permissions string
}

// Parameter describes a configurable value a component accepts, with its
// default serialized the same way configstore.Value renders (so defaults
// round-trip through the config tree without a second parser).
type Parameter struct {
	Default interface{}
	Type    string // "string", "number", "boolean", "list"
}

// Manifest is one platform-selected variant of a recipe: its own lifecycle
// commands, artifact list, and selection predicate.
type Manifest struct {
	Platform  string // selection tag, e.g. "linux", "windows", "all"
	Lifecycle map[LifecyclePhase]string
	Artifacts []Artifact
}

// Model is the fully parsed, immutable recipe for one ComponentIdentifier.
// Unknown top-level keys encountered while parsing are preserved in Extra
// but otherwise ignored rather than rejected.
type Model struct {
	FormatVersion string
	Name          string
	Version       string
	Publisher     string
	Dependencies  map[string]Dependency
	Manifests     []Manifest
	Configuration map[string]interface{}
	Extra         map[string]interface{}
}

// SelectManifest picks the manifest whose platform predicate matches tags
// and ranks highest, per the platform tag ranking table (e.g. "linux" <
// "ubuntu"). rank must return a higher number for a more specific match,
// and a negative number for "does not match".
func (m *Model) SelectManifest(tags []string, rank func(platform string, tags []string) int) (*Manifest, error) {
	best := -1
	var selected *Manifest
	for i := range m.Manifests {
		score := rank(m.Manifests[i].Platform, tags)
		if score < 0 {
			continue
		}
		if score > best {
			best = score
			selected = &m.Manifests[i]
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("recipe: no manifest for %s@%s matches platform tags %v", m.Name, m.Version, tags)
	}
	return selected, nil
}
