package agent

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/orchestrator"
	"fleetkeeper/internal/platform"
	"fleetkeeper/internal/recipe"
	"fleetkeeper/pkg/logging"
)

// fakeHandle is a ProcessHandle that exits immediately with exit code 0,
// unless block is set, in which case it waits until block is closed (or
// signaled/killed), standing in for a long-lived "run" phase process.
type fakeHandle struct {
	block chan struct{}
}

func (h fakeHandle) PID() int { return 1 }
func (h fakeHandle) Wait() (platform.ExitResult, error) {
	if h.block != nil {
		<-h.block
	}
	return platform.ExitResult{ExitCode: 0}, nil
}
func (h fakeHandle) Signal(platform.Signal) error {
	if h.block != nil {
		select {
		case <-h.block:
		default:
			close(h.block)
		}
	}
	return nil
}
func (h fakeHandle) Kill() error { return h.Signal(platform.SignalKill) }

// fakeAdapter stands in for a real platform.Adapter: install/startup/
// shutdown commands resolve immediately; any command containing
// runForeverMarker blocks until the supervisor signals it (matching a real
// "run" phase long-lived process), so a component can be driven to RUNNING
// deterministically without spawning anything.
type fakeAdapter struct{}

const runForeverMarker = "run-forever"

func (fakeAdapter) Start(ctx context.Context, spec platform.StartSpec) (platform.ProcessHandle, error) {
	for _, arg := range spec.Command {
		if arg == runForeverMarker {
			return fakeHandle{block: make(chan struct{})}, nil
		}
	}
	return fakeHandle{}, nil
}
func (fakeAdapter) SetPermissions(path string, perm os.FileMode) error { return nil }
func (fakeAdapter) ResolveUser(name string) (int, int, error)          { return 0, 0, nil }
func (fakeAdapter) ApplyResourceLimits(pid int, limits platform.ResourceLimits) error {
	return nil
}
func (fakeAdapter) NotifyReady() error    { return nil }
func (fakeAdapter) NotifyStopping() error { return nil }
func (fakeAdapter) Name() string          { return "fake" }

func testModel(name, version string, deps map[string]recipe.Dependency) *recipe.Model {
	return &recipe.Model{
		Name:         name,
		Version:      version,
		Dependencies: deps,
		Manifests: []recipe.Manifest{
			{
				Platform: "all",
				Lifecycle: map[recipe.LifecyclePhase]string{
					recipe.PhaseInstall: "echo install",
					recipe.PhaseStartup: "echo start",
				},
			},
		},
	}
}

// testLongRunningModel is like testModel but adds a "run" phase that
// blocks (via runForeverMarker), so Start drives the supervisor all the
// way to RUNNING instead of FINISHED.
func testLongRunningModel(name, version string) *recipe.Model {
	m := testModel(name, version, nil)
	m.Manifests[0].Lifecycle[recipe.PhaseRun] = runForeverMarker
	return m
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := artifact.New(logging.Nop(), artifact.Options{Root: t.TempDir()})
	require.NoError(t, err)
	return New(logging.Nop(), Options{
		Platform: fakeAdapter{},
		Artifact: store,
		WorkRoot: t.TempDir(),
		Tags:     []string{"all"},
	})
}

func TestManager_EnsureRegistersSupervisorAndGraphNode(t *testing.T) {
	m := newTestManager(t)
	id := artifact.Identifier{Name: "com.example.App", Version: "1.0.0"}
	model := testModel(id.Name, id.Version, nil)

	require.NoError(t, m.Ensure(context.Background(), id, model, nil))

	order, err := m.Graph().TopoSort()
	require.NoError(t, err)
	assert.Contains(t, order, id.Name)
	assert.False(t, m.Broken(id.Name))
	assert.False(t, m.RequiresBootstrap(id))
}

func TestManager_EnsureWiresHardDependencyRegardlessOfOrder(t *testing.T) {
	m := newTestManager(t)
	appID := artifact.Identifier{Name: "com.example.App", Version: "1.0.0"}
	brokerID := artifact.Identifier{Name: "com.example.Mosquitto", Version: "2.0.0"}

	appModel := testModel(appID.Name, appID.Version, map[string]recipe.Dependency{
		brokerID.Name: {VersionRange: ">=2.0.0", Kind: recipe.DependencyHard},
	})
	brokerModel := testModel(brokerID.Name, brokerID.Version, nil)

	// Ensure the dependent before its dependency exists, exercising the
	// pendingDeps flush path.
	require.NoError(t, m.Ensure(context.Background(), appID, appModel, nil))
	require.NoError(t, m.Ensure(context.Background(), brokerID, brokerModel, nil))

	order, err := m.Graph().TopoSort()
	require.NoError(t, err)
	// the dependency must precede its dependent in topological order.
	brokerIdx, appIdx := -1, -1
	for i, name := range order {
		switch name {
		case brokerID.Name:
			brokerIdx = i
		case appID.Name:
			appIdx = i
		}
	}
	require.NotEqual(t, -1, brokerIdx)
	require.NotEqual(t, -1, appIdx)
	assert.Less(t, brokerIdx, appIdx)
}

func TestManager_ActiveReportsRunningSupervisors(t *testing.T) {
	m := newTestManager(t)
	id := artifact.Identifier{Name: "com.example.App", Version: "1.0.0"}
	model := testLongRunningModel(id.Name, id.Version)
	require.NoError(t, m.Ensure(context.Background(), id, model, nil))

	assert.Empty(t, m.Active())

	plan := &orchestrator.Plan{Phases: []orchestrator.Phase{{Kind: orchestrator.ActionStart, Actions: []string{id.Name}}}}
	require.NoError(t, m.Executor().Execute(context.Background(), plan))
	assert.True(t, m.Active()[id.Name])
}

func TestManager_EnsureVersionChangeRebuildsSupervisor(t *testing.T) {
	m := newTestManager(t)
	name := "com.example.App"
	require.NoError(t, m.Ensure(context.Background(), artifact.Identifier{Name: name, Version: "0.9.1"}, testModel(name, "0.9.1", nil), nil))

	// The updated recipe drops startup and adds a long-lived run phase; the
	// rebuilt supervisor must carry the new phases, so starting it reaches
	// RUNNING instead of FINISHED.
	updated := testLongRunningModel(name, "1.0.0")
	delete(updated.Manifests[0].Lifecycle, recipe.PhaseStartup)
	require.NoError(t, m.Ensure(context.Background(), artifact.Identifier{Name: name, Version: "1.0.0"}, updated, nil))

	plan := &orchestrator.Plan{Phases: []orchestrator.Phase{{Kind: orchestrator.ActionStart, Actions: []string{name}}}}
	require.NoError(t, m.Executor().Execute(context.Background(), plan))
	assert.True(t, m.Active()[name])
}

func TestManager_RemoveForgetsComponent(t *testing.T) {
	m := newTestManager(t)
	id := artifact.Identifier{Name: "com.example.App", Version: "1.0.0"}
	model := testModel(id.Name, id.Version, nil)
	require.NoError(t, m.Ensure(context.Background(), id, model, nil))

	require.NoError(t, m.Remove(context.Background(), id.Name))
	order, err := m.Graph().TopoSort()
	require.NoError(t, err)
	assert.NotContains(t, order, id.Name)
	assert.Empty(t, m.Active())
}
