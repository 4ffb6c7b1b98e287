package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_RenderPhaseSubstitutesConfiguration(t *testing.T) {
	manifest := &Manifest{
		Platform: "linux",
		Lifecycle: map[LifecyclePhase]string{
			PhaseStartup: "./run.sh --port {{ configuration.port }} --hosts {{ configuration.cluster.hosts }}",
		},
	}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseStartup, RenderContext{
		Name:    "com.example.App",
		Version: "1.0.0",
		Configuration: map[string]interface{}{
			"port": 8080,
			"cluster": map[string]interface{}{
				"hosts": []interface{}{"a.local", "b.local"},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "./run.sh --port 8080 --hosts a.local b.local", cmd)
}

func TestRenderer_RenderPhaseIdentityAndArtifactTokens(t *testing.T) {
	manifest := &Manifest{
		Lifecycle: map[LifecyclePhase]string{
			PhaseInstall: "unzip {{ artifacts.app.zip }} -d {{ work_path }}/{{ name }}-{{ version }}",
		},
	}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseInstall, RenderContext{
		Name:          "com.example.App",
		Version:       "1.0.0",
		WorkPath:      "/var/lib/fleetkeeper",
		ArtifactPaths: map[string]string{"app.zip": "/var/lib/fleetkeeper/packages/artifacts/app.zip"},
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "unzip /var/lib/fleetkeeper/packages/artifacts/app.zip -d /var/lib/fleetkeeper/com.example.App-1.0.0", cmd)
}

func TestRenderer_PhaseDelegationSplicesRenderedCommand(t *testing.T) {
	manifest := &Manifest{
		Lifecycle: map[LifecyclePhase]string{
			PhaseInstall: "tar xf {{ artifacts.app.tar }} -C {{ work_path }}",
			PhaseRecover: "{{ phase.install }} && ./health-check.sh",
		},
	}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseRecover, RenderContext{
		WorkPath:      "/work",
		ArtifactPaths: map[string]string{"app.tar": "/cache/app.tar"},
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "tar xf /cache/app.tar -C /work && ./health-check.sh", cmd)
}

func TestRenderer_UnresolvedParameterFails(t *testing.T) {
	manifest := &Manifest{
		Lifecycle: map[LifecyclePhase]string{
			PhaseStartup: "./run.sh --port {{ configuration.port }}",
		},
	}
	r := NewRenderer()
	_, found, err := r.RenderPhase(manifest, PhaseStartup, RenderContext{Name: "app"})
	assert.True(t, found)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration.port")
}

func TestRenderer_UndefinedDelegatedPhaseFails(t *testing.T) {
	manifest := &Manifest{
		Lifecycle: map[LifecyclePhase]string{
			PhaseRecover: "{{ phase.install }}",
		},
	}
	r := NewRenderer()
	_, _, err := r.RenderPhase(manifest, PhaseRecover, RenderContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install")
}

func TestRenderer_ComplexTemplateUsesSprig(t *testing.T) {
	manifest := &Manifest{
		Lifecycle: map[LifecyclePhase]string{
			PhaseStartup: `./run.sh --name {{ .configuration.app | upper }}`,
		},
	}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseStartup, RenderContext{
		Configuration: map[string]interface{}{"app": "customer"},
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "./run.sh --name CUSTOMER", cmd)
}

func TestRenderer_RenderPhaseMissingPhaseNotFound(t *testing.T) {
	manifest := &Manifest{Lifecycle: map[LifecyclePhase]string{}}
	r := NewRenderer()
	cmd, found, err := r.RenderPhase(manifest, PhaseBootstrap, RenderContext{})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, cmd)
}
