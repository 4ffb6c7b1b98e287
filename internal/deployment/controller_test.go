package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/clock"
	"fleetkeeper/internal/configstore"
	"fleetkeeper/internal/dependency"
	"fleetkeeper/internal/ferrors"
	"fleetkeeper/internal/ingress"
	"fleetkeeper/internal/orchestrator"
	"fleetkeeper/internal/recipe"
)

// fakeCatalog is a scripted RecipeCatalog/dependency.Catalog backing the
// resolver with an in-memory version list instead of a real artifact
// fetch, the way internal/dependency's own tests stub Catalog.
type fakeCatalog struct {
	versions map[string][]dependency.CandidateVersion
	deps     map[string]map[string]string
	conflict bool
}

func (f *fakeCatalog) Versions(name string) ([]dependency.CandidateVersion, error) {
	return f.versions[name], nil
}

func (f *fakeCatalog) Dependencies(name, version string) (map[string]string, error) {
	return f.deps[name+"@"+version], nil
}

func (f *fakeCatalog) Manifest(name, version string) (*recipe.Model, error) {
	return &recipe.Model{Name: name, Version: version}, nil
}

func mustVersion(v string) dependency.CandidateVersion {
	return dependency.CandidateVersion{Version: semver.MustParse(v), PublishedAt: time.Unix(0, 0)}
}

// fakeComponentManager is a scripted ComponentManager: Ensure/Prefetch
// always succeed, Broken is driven by a test-controlled set, and the
// Executor/Graph are real orchestrator types backed by no-op runners so
// Execute genuinely exercises phase sequencing.
type fakeComponentManager struct {
	graph     *orchestrator.Graph
	active    map[string]bool
	broken    map[string]bool
	ensured   []string
	bootstrap map[string]bool
	runners   map[string]orchestrator.ComponentRunner
}

// trackingRunner flips its owning fakeComponentManager's active flag on
// Start/Stop, so a Plan computed before a phase runs sees the pre-phase
// active set, the way a real supervisor's Snapshot only reports RUNNING
// once its startup phase actually completes.
type trackingRunner struct {
	mgr  *fakeComponentManager
	name string
	fail bool
}

func (r *trackingRunner) Start(ctx context.Context) error {
	if r.fail {
		return assert.AnError
	}
	r.mgr.active[r.name] = true
	return nil
}
func (r *trackingRunner) Stop(ctx context.Context) error {
	delete(r.mgr.active, r.name)
	return nil
}

func newFakeComponentManager() *fakeComponentManager {
	return &fakeComponentManager{
		graph:     orchestrator.NewGraph(),
		active:    map[string]bool{},
		broken:    map[string]bool{},
		bootstrap: map[string]bool{},
		runners:   map[string]orchestrator.ComponentRunner{},
	}
}

func (f *fakeComponentManager) Prefetch(ctx context.Context, id artifact.Identifier, manifest *recipe.Model) error {
	return nil
}

func (f *fakeComponentManager) Ensure(ctx context.Context, id artifact.Identifier, manifest *recipe.Model, configuration map[string]interface{}) error {
	f.ensured = append(f.ensured, id.String())
	f.graph.AddComponent(id.Name)
	if _, ok := f.runners[id.Name]; !ok {
		f.runners[id.Name] = &trackingRunner{mgr: f, name: id.Name}
	}
	return nil
}

func (f *fakeComponentManager) Graph() *orchestrator.Graph { return f.graph }

func (f *fakeComponentManager) Executor() *orchestrator.Executor {
	return orchestrator.NewExecutor(nil, f.runners, time.Second)
}

func (f *fakeComponentManager) Active() map[string]bool {
	out := make(map[string]bool, len(f.active))
	for k, v := range f.active {
		out[k] = v
	}
	return out
}

func (f *fakeComponentManager) Broken(name string) bool { return f.broken[name] }

func (f *fakeComponentManager) RequiresBootstrap(id artifact.Identifier) bool {
	return f.bootstrap[id.Name]
}

func (f *fakeComponentManager) Remove(ctx context.Context, name string) error {
	delete(f.active, name)
	return nil
}

func baseDoc(id string, ts int64) *ingress.Document {
	return &ingress.Document{
		DeploymentID: id,
		Timestamp:    ts,
		GroupName:    "g1",
		Packages: []ingress.Package{
			{Name: "app", Version: "1.0.0", RootComponent: true, Configuration: map[string]interface{}{"k": "v"}},
		},
		Policies: ingress.Policies{
			FailureHandling:       ingress.DoNothing,
			ComponentUpdatePolicy: ingress.ComponentUpdatePolicy{Action: ingress.SkipNotifyComponents},
		},
	}
}

func newTestDeps(t *testing.T, cm *fakeComponentManager, catalog *fakeCatalog) Deps {
	t.Helper()
	return Deps{
		Config:     configstore.New(nil),
		Resolver:   dependency.NewResolver(catalog),
		Catalog:    catalog,
		Components: cm,
		Clock:      clock.Real{},
	}
}

func TestController_HappyPathCommits(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]dependency.CandidateVersion{"app": {mustVersion("1.0.0")}},
		deps:     map[string]map[string]string{},
	}
	cm := newFakeComponentManager()
	deps := newTestDeps(t, cm, catalog)
	fake := clock.NewFake(time.Unix(0, 0))
	deps.Clock = fake

	c := NewController(deps, baseDoc("dep-1", 1), nil, func() bool { return false })

	type outcome struct {
		result Result
		active map[string]string
	}
	out := make(chan outcome, 1)
	go func() {
		result, active := c.Run(context.Background())
		out <- outcome{result, active}
	}()

	time.Sleep(20 * time.Millisecond) // let Run reach the stabilization wait
	fake.Advance(defaultStabilizationWindow * 2)

	var got outcome
	select {
	case got = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("Controller.Run did not complete after stabilization window elapsed")
	}

	assert.Equal(t, StateCommitted, got.result.State)
	assert.Equal(t, "1.0.0", got.active["app"])
	assert.Contains(t, cm.ensured, "app@1.0.0")
}

func TestController_ResolveConflictFails(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]dependency.CandidateVersion{"app": {}},
	}
	cm := newFakeComponentManager()
	deps := newTestDeps(t, cm, catalog)

	c := NewController(deps, baseDoc("dep-2", 1), nil, func() bool { return false })
	result, _ := c.Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, string(ferrors.KindVersionConflict), result.Detail)
}

func TestController_ValidationRejectFails(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]dependency.CandidateVersion{"app": {mustVersion("1.0.0")}},
	}
	cm := newFakeComponentManager()
	deps := newTestDeps(t, cm, catalog)
	deps.Validation = rejectValidator{}

	c := NewController(deps, baseDoc("dep-3", 1), nil, func() bool { return false })
	result, _ := c.Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, string(ferrors.KindValidationRejected), result.Detail)
}

type rejectValidator struct{}

func (rejectValidator) Validate(ctx context.Context, component string, configuration map[string]interface{}) ValidationOutcome {
	return ValidationOutcome{OK: false, Reason: "no"}
}

func TestController_CancelBeforeApply(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]dependency.CandidateVersion{"app": {mustVersion("1.0.0")}},
	}
	cm := newFakeComponentManager()
	deps := newTestDeps(t, cm, catalog)

	c := NewController(deps, baseDoc("dep-4", 1), nil, func() bool { return true })
	result, _ := c.Run(context.Background())

	assert.Equal(t, StateCancelled, result.State)
	assert.Empty(t, cm.ensured, "cancelled deployment must not touch components")
}

func TestController_RollbackOnBrokenComponent(t *testing.T) {
	catalog := &fakeCatalog{
		versions: map[string][]dependency.CandidateVersion{"app": {mustVersion("1.0.0")}},
	}
	cm := newFakeComponentManager()
	cm.broken["app"] = true
	deps := newTestDeps(t, cm, catalog)
	deps.Clock = clock.NewFake(time.Unix(0, 0))

	doc := baseDoc("dep-5", 1)
	doc.Policies.FailureHandling = ingress.Rollback
	c := NewController(deps, doc, nil, func() bool { return false })
	result, _ := c.Run(context.Background())

	require.Equal(t, StateRolledBack, result.State)
	assert.Equal(t, "FAILED_ROLLBACK_COMPLETE", result.Detail)
}
