package recipe

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"fleetkeeper/internal/ferrors"
)

// wireManifest mirrors the on-disk recipe YAML shape before it is
// normalized into Model/Manifest.
type wireManifest struct {
	Platform  map[string]string `yaml:"Selections"`
	Lifecycle map[string]string `yaml:"Lifecycle"`
	Artifacts []wireArtifact    `yaml:"Artifacts"`
}

type wireArtifact struct {
	URI         string `yaml:"URI"`
	Digest      string `yaml:"Digest"`
	Unarchive   bool   `yaml:"Unarchive"`
	Permissions string `yaml:"Permission"`
}

type wireDependency struct {
	VersionRequirement string `yaml:"VersionRequirement"`
	DependencyType     string `yaml:"DependencyType"`
}

type wireRecipe struct {
	RecipeFormatVersion    string                    `yaml:"RecipeFormatVersion"`
	ComponentName          string                    `yaml:"ComponentName"`
	ComponentVersion       string                    `yaml:"ComponentVersion"`
	ComponentPublisher     string                    `yaml:"ComponentPublisher"`
	ComponentDependencies  map[string]wireDependency `yaml:"ComponentDependencies"`
	Manifests              []wireManifest            `yaml:"Manifests"`
	ComponentConfiguration map[string]interface{}    `yaml:"ComponentConfiguration"`
}

var phaseRefPattern = regexp.MustCompile(`\{\{\s*phase\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Parse decodes raw recipe YAML into a Model, validating lifecycle phase
// names and rejecting cycles in a recipe's own phase-delegation graph.
func Parse(data []byte) (*Model, error) {
	var wire wireRecipe
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, ferrors.Wrap(ferrors.KindRecipeParse, err, "decode recipe yaml")
	}
	if wire.ComponentName == "" || wire.ComponentVersion == "" {
		return nil, ferrors.New(ferrors.KindInvalidRecipe, "recipe missing ComponentName or ComponentVersion")
	}

	model := &Model{
		FormatVersion: wire.RecipeFormatVersion,
		Name:          wire.ComponentName,
		Version:       wire.ComponentVersion,
		Publisher:     wire.ComponentPublisher,
		Dependencies:  make(map[string]Dependency, len(wire.ComponentDependencies)),
		Configuration: wire.ComponentConfiguration,
		Extra:         extraKeys(data),
	}

	for name, dep := range wire.ComponentDependencies {
		kind := DependencyKind(dep.DependencyType)
		if kind == "" {
			kind = DependencyHard
		}
		if kind != DependencyHard && kind != DependencySoft {
			return nil, ferrors.New(ferrors.KindInvalidRecipe,
				fmt.Sprintf("dependency %s has unknown DependencyType %q", name, dep.DependencyType))
		}
		if dep.VersionRequirement != "" {
			if _, err := semver.NewConstraint(dep.VersionRequirement); err != nil {
				return nil, ferrors.Wrap(ferrors.KindInvalidRecipe, err,
					fmt.Sprintf("dependency %s has malformed version range %q", name, dep.VersionRequirement))
			}
		}
		model.Dependencies[name] = Dependency{VersionRange: dep.VersionRequirement, Kind: kind}
	}

	for _, wm := range wire.Manifests {
		manifest, err := normalizeManifest(wm)
		if err != nil {
			return nil, err
		}
		if err := checkPhaseCycles(manifest.Lifecycle); err != nil {
			return nil, err
		}
		model.Manifests = append(model.Manifests, *manifest)
	}

	return model, nil
}

// knownTopLevelKeys is the set of recipe keys Parse consumes; anything
// else is preserved in Model.Extra but otherwise ignored.
var knownTopLevelKeys = map[string]bool{
	"RecipeFormatVersion": true, "ComponentName": true, "ComponentVersion": true,
	"ComponentPublisher": true, "ComponentDependencies": true, "Manifests": true,
	"ComponentConfiguration": true,
}

func extraKeys(data []byte) map[string]interface{} {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var extra map[string]interface{}
	for k, v := range raw {
		if knownTopLevelKeys[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[k] = v
	}
	return extra
}

func normalizeManifest(wm wireManifest) (*Manifest, error) {
	platform := wm.Platform["platform"]
	if platform == "" {
		platform = "all"
	}
	lifecycle := make(map[LifecyclePhase]string, len(wm.Lifecycle))
	for phase, cmd := range wm.Lifecycle {
		p := LifecyclePhase(phase)
		if !knownPhases[p] {
			return nil, ferrors.New(ferrors.KindInvalidRecipe, fmt.Sprintf("unknown lifecycle phase %q", phase))
		}
		lifecycle[p] = cmd
	}
	artifacts := make([]Artifact, 0, len(wm.Artifacts))
	for _, a := range wm.Artifacts {
		artifacts = append(artifacts, Artifact{
			URI: a.URI, Digest: a.Digest, Unarchive: a.Unarchive, Permissions: a.Permissions,
		})
	}
	return &Manifest{Platform: platform, Lifecycle: lifecycle, Artifacts: artifacts}, nil
}

// checkPhaseCycles rejects a recipe whose lifecycle phases reference each
// other (via a "{{ phase.NAME }}" delegation token) in a cycle.
func checkPhaseCycles(lifecycle map[LifecyclePhase]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[LifecyclePhase]int, len(lifecycle))
	var visit func(p LifecyclePhase) error
	visit = func(p LifecyclePhase) error {
		switch color[p] {
		case black:
			return nil
		case gray:
			return ferrors.New(ferrors.KindInvalidRecipe, fmt.Sprintf("cycle in lifecycle phase graph at %q", p))
		}
		color[p] = gray
		cmd, ok := lifecycle[p]
		if ok {
			for _, m := range phaseRefPattern.FindAllStringSubmatch(cmd, -1) {
				ref := LifecyclePhase(m[1])
				if _, defined := lifecycle[ref]; defined {
					if err := visit(ref); err != nil {
						return err
					}
				}
			}
		}
		color[p] = black
		return nil
	}
	for p := range lifecycle {
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}
