package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRecipe = `
RecipeFormatVersion: "2020-01-25"
ComponentName: com.example.CustomerApp
ComponentVersion: "1.0.0"
ComponentPublisher: Example
ComponentDependencies:
  com.example.Mosquitto:
    VersionRequirement: ">=2.0.0"
    DependencyType: HARD
Manifests:
  - Selections:
      platform: linux
    Lifecycle:
      install: "echo installing"
      startup: "./run.sh --start"
      shutdown: "./run.sh --stop"
    Artifacts:
      - URI: s3://bucket/app.zip
        Digest: sha256:abc
        Unarchive: true
ComponentConfiguration:
  port: 8080
`

func TestParse_ValidRecipe(t *testing.T) {
	model, err := Parse([]byte(sampleRecipe))
	require.NoError(t, err)
	assert.Equal(t, "com.example.CustomerApp", model.Name)
	assert.Equal(t, "1.0.0", model.Version)
	require.Len(t, model.Manifests, 1)
	assert.Equal(t, "linux", model.Manifests[0].Platform)
	assert.Equal(t, "./run.sh --start", model.Manifests[0].Lifecycle[PhaseStartup])

	dep, ok := model.Dependencies["com.example.Mosquitto"]
	require.True(t, ok)
	assert.Equal(t, DependencyHard, dep.Kind)
	assert.Equal(t, ">=2.0.0", dep.VersionRange)
}

func TestParse_UnknownLifecyclePhaseRejected(t *testing.T) {
	bad := `
ComponentName: a
ComponentVersion: "1.0.0"
Manifests:
  - Lifecycle:
      frobnicate: "echo hi"
`
	_, err := Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParse_MissingNameRejected(t *testing.T) {
	_, err := Parse([]byte("ComponentVersion: \"1.0.0\"\n"))
	assert.Error(t, err)
}

func TestCheckPhaseCycles_DetectsCycle(t *testing.T) {
	lifecycle := map[LifecyclePhase]string{
		PhaseStartup: "{{ phase.recover }}",
		PhaseRecover: "{{ phase.startup }}",
	}
	err := checkPhaseCycles(lifecycle)
	assert.Error(t, err)
}

func TestCheckPhaseCycles_AcceptsAcyclicDelegation(t *testing.T) {
	lifecycle := map[LifecyclePhase]string{
		PhaseRecover: "{{ phase.startup }}",
		PhaseStartup: "./run.sh",
	}
	err := checkPhaseCycles(lifecycle)
	assert.NoError(t, err)
}

func TestSelectManifest_PicksHighestRank(t *testing.T) {
	model := &Model{
		Manifests: []Manifest{
			{Platform: "all"},
			{Platform: "linux"},
			{Platform: "ubuntu"},
		},
	}
	m, err := model.SelectManifest([]string{"ubuntu"}, RankPlatform)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", m.Platform)
}

func TestSelectManifest_NoMatch(t *testing.T) {
	model := &Model{Manifests: []Manifest{{Platform: "windows"}}}
	_, err := model.SelectManifest([]string{"linux"}, RankPlatform)
	assert.Error(t, err)
}

func TestRenderer_RenderPhase(t *testing.T) {
	manifest := &Manifest{Lifecycle: map[LifecyclePhase]string{
		PhaseStartup: "./run.sh --port {{ configuration.port }}",
	}}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseStartup, RenderContext{
		Configuration: map[string]interface{}{"port": "8080"},
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "./run.sh --port 8080", cmd)
}

func TestRenderer_MissingPhase(t *testing.T) {
	manifest := &Manifest{Lifecycle: map[LifecyclePhase]string{}}
	r := NewRenderer()
	_, found, err := r.RenderPhase(manifest, PhaseShutdown, RenderContext{})
	require.NoError(t, err)
	assert.False(t, found)
}
