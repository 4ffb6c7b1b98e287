// Package agent wires the leaf packages (artifact, recipe, supervisor,
// orchestrator, platform) into the single concrete
// deployment.ComponentManager the DeploymentController drives: turning a
// resolved (name -> version) assignment into real supervised processes.
// Everything else in this repo is testable against a fake ComponentManager
// (internal/deployment's own tests do exactly that); this package is the
// one place that must exist for a deployment to do anything on a real
// device.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/configstore"
	"fleetkeeper/internal/orchestrator"
	"fleetkeeper/internal/platform"
	"fleetkeeper/internal/recipe"
	"fleetkeeper/internal/supervisor"
	"fleetkeeper/pkg/logging"
)

// Manager is the concrete deployment.ComponentManager: it owns one
// supervisor.Supervisor per live component, the dependency graph that
// backs Orchestrator plans, and the artifact store that backs each
// component's install phase.
type Manager struct {
	log      *logging.Logger
	platform platform.Adapter
	artifact *artifact.Store
	renderer *recipe.Renderer
	config   *configstore.Store
	workRoot string
	tags     []string

	mu          sync.Mutex
	graph       *orchestrator.Graph
	supervisors map[string]*supervisor.Supervisor
	runners     map[string]orchestrator.ComponentRunner
	manifests   map[string]*recipe.Manifest // name -> selected platform manifest
	versions    map[string]string          // name -> version last Ensure'd, for Remove's artifact eviction
	bootstrap   map[string]bool
	pendingDeps map[string][]*supervisor.Supervisor // depName -> dependents awaiting that supervisor
	executor    *orchestrator.Executor
}

// Options configures a new Manager.
type Options struct {
	Platform platform.Adapter
	Artifact *artifact.Store
	Config   *configstore.Store
	WorkRoot string
	// Tags are this device's platform predicate tags, most specific last,
	// consulted by recipe.Model.SelectManifest.
	Tags []string
}

// New builds a Manager with no components yet registered.
func New(log *logging.Logger, opts Options) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		log:         log.With("agent.manager"),
		platform:    opts.Platform,
		artifact:    opts.Artifact,
		renderer:    recipe.NewRenderer(),
		config:      opts.Config,
		workRoot:    opts.WorkRoot,
		tags:        opts.Tags,
		graph:       orchestrator.NewGraph(),
		supervisors: make(map[string]*supervisor.Supervisor),
		runners:     make(map[string]orchestrator.ComponentRunner),
		manifests:   make(map[string]*recipe.Manifest),
		versions:    make(map[string]string),
		bootstrap:   make(map[string]bool),
		pendingDeps: make(map[string][]*supervisor.Supervisor),
	}
	m.executor = orchestrator.NewExecutor(log, m.runners, 0)
	return m
}

// Prefetch downloads and digest-verifies every artifact manifest's
// platform-selected variant declares, without constructing a supervisor.
func (m *Manager) Prefetch(ctx context.Context, id artifact.Identifier, manifest *recipe.Model) error {
	variant, err := manifest.SelectManifest(m.tags, recipe.RankPlatform)
	if err != nil {
		return err
	}
	_, err = m.prepareArtifacts(ctx, id, variant)
	return err
}

// prepareArtifacts fetches, verifies, and permission-fixes the variant's
// artifacts (a cache hit after Prefetch), returning each artifact's
// on-disk path keyed by its URI base name for lifecycle-command
// rendering.
func (m *Manager) prepareArtifacts(ctx context.Context, id artifact.Identifier, variant *recipe.Manifest) (map[string]string, error) {
	if len(variant.Artifacts) == 0 {
		return nil, nil
	}
	descs := make([]artifact.Descriptor, 0, len(variant.Artifacts))
	for _, a := range variant.Artifacts {
		descs = append(descs, artifact.Descriptor{URI: a.URI, Digest: a.Digest, Unarchive: a.Unarchive, Permissions: a.Permissions})
	}
	resolved, err := m.artifact.Prepare(ctx, id, descs, noopProgress)
	if err != nil {
		return nil, err
	}
	if err := m.applyArtifactPermissions(id, resolved); err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(resolved))
	for _, r := range resolved {
		paths[filepath.Base(r.Descriptor.URI)] = r.Path
	}
	return paths, nil
}

// applyArtifactPermissions applies each artifact's recipe-declared octal
// mode through the platform adapter.
func (m *Manager) applyArtifactPermissions(id artifact.Identifier, resolved []artifact.ResolvedPath) error {
	for _, r := range resolved {
		if r.Descriptor.Permissions == "" {
			continue
		}
		mode, err := strconv.ParseUint(r.Descriptor.Permissions, 8, 32)
		if err != nil {
			return fmt.Errorf("agent: artifact %s of %s has invalid permission mode %q", r.Descriptor.URI, id, r.Descriptor.Permissions)
		}
		if err := m.platform.SetPermissions(r.Path, os.FileMode(mode)); err != nil {
			return fmt.Errorf("agent: set permissions on %s: %w", r.Path, err)
		}
	}
	return nil
}

func noopProgress(artifact.Identifier, string, int64, int64) {}

// Ensure builds (or updates) the supervisor for id, selecting its platform
// manifest, rendering lifecycle phase commands against configuration, and
// registering it in the dependency graph and any pending HARD-dependency
// relationship it requires.
func (m *Manager) Ensure(ctx context.Context, id artifact.Identifier, manifest *recipe.Model, configuration map[string]interface{}) error {
	variant, err := manifest.SelectManifest(m.tags, recipe.RankPlatform)
	if err != nil {
		return err
	}

	// Artifacts and rendering happen before the lock: Prepare is a cache
	// hit when Prefetch already ran, but a transitive dependency may still
	// need a real download here.
	artifactPaths, err := m.prepareArtifacts(ctx, id, variant)
	if err != nil {
		return err
	}
	rc := recipe.RenderContext{
		Name:          id.Name,
		Version:       id.Version,
		WorkPath:      m.workRoot,
		Configuration: configuration,
		ArtifactPaths: artifactPaths,
	}
	phases, err := m.renderPhases(id, variant, rc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldVersion := m.versions[id.Name]
	m.manifests[id.Name] = variant
	m.versions[id.Name] = id.Version
	m.bootstrap[id.Name] = variant.Lifecycle[recipe.PhaseBootstrap] != ""
	m.graph.AddComponent(id.Name)

	sup, exists := m.supervisors[id.Name]
	if exists && (oldVersion != id.Version || sup.Snapshot().State == supervisor.StateBroken) {
		// A version change replaces the whole recipe, so the old
		// supervisor's rendered phases no longer apply. A BROKEN
		// supervisor is terminal until the next deployment, which is
		// exactly this call: either way it is stopped and rebuilt.
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("stop %s@%s before update to %s: %v", id.Name, oldVersion, id.Version, err)
		}
		sup.Close()
		delete(m.supervisors, id.Name)
		delete(m.runners, id.Name)
		exists = false
	}
	if !exists {
		sup = supervisor.New(supervisor.Options{Name: id.Name, Phases: phases, Log: m.log})
		if err := sup.Install(ctx); err != nil {
			sup.Close()
			return fmt.Errorf("agent: install %s: %w", id, err)
		}
		m.supervisors[id.Name] = sup
		m.runners[id.Name] = supervisorRunner{sup}
		for _, dep := range m.pendingDeps[id.Name] {
			sup.AddDependent(dep)
		}
		delete(m.pendingDeps, id.Name)
		if m.config != nil {
			// Runtime-only leaf: survives rollback restores so a reverted
			// deployment still knows which version is physically installed.
			path := configstore.ParsePath("components/" + id.Name + "/_runtime/installedVersion")
			if err := m.config.WriteRuntimeLeaf(path, configstore.String(id.Version), timestampNow()); err != nil {
				m.log.Warn("record installed version for %s: %v", id, err)
			}
		}
	}

	for depName, dep := range manifest.Dependencies {
		if dep.Kind != recipe.DependencyHard {
			continue
		}
		m.graph.AddDependency(id.Name, depName)
		if depSup, ok := m.supervisors[depName]; ok {
			depSup.AddDependent(sup)
		} else {
			m.pendingDeps[depName] = append(m.pendingDeps[depName], sup)
		}
	}
	return nil
}

func (m *Manager) renderPhases(id artifact.Identifier, variant *recipe.Manifest, rc recipe.RenderContext) (map[recipe.LifecyclePhase]supervisor.PhaseSpec, error) {
	phases := make(map[recipe.LifecyclePhase]supervisor.PhaseSpec, len(variant.Lifecycle))
	for phase := range variant.Lifecycle {
		cmd, found, err := m.renderer.RenderPhase(variant, phase, rc)
		if err != nil {
			return nil, fmt.Errorf("agent: render %s phase for %s: %w", phase, id, err)
		}
		if !found {
			continue
		}
		phases[phase] = supervisor.PhaseSpec{
			Command: cmd,
			Runner:  &supervisor.ExternalProcessRunner{Adapter: m.platform, Dir: m.workRoot},
		}
	}
	return phases, nil
}

// Graph returns the live dependency graph built up by Ensure calls.
func (m *Manager) Graph() *orchestrator.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph
}

// Executor returns the Executor wired to the current supervisor set. The
// Manager's internal runners map is mutated in place by Ensure, so one
// Executor instance stays valid across the Manager's lifetime.
func (m *Manager) Executor() *orchestrator.Executor {
	return m.executor
}

// Active reports every component whose supervisor last reported RUNNING.
func (m *Manager) Active() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.supervisors))
	for name, sup := range m.supervisors {
		if sup.Snapshot().State == supervisor.StateRunning {
			out[name] = true
		}
	}
	return out
}

// Broken reports whether name's supervisor is in the BROKEN state.
func (m *Manager) Broken(name string) bool {
	m.mu.Lock()
	sup, ok := m.supervisors[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return sup.Snapshot().State == supervisor.StateBroken
}

// RequiresBootstrap reports whether id's selected manifest declares a
// bootstrap lifecycle phase.
func (m *Manager) RequiresBootstrap(id artifact.Identifier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootstrap[id.Name]
}

// Remove stops and forgets name entirely: its supervisor is closed, its
// cached artifacts evicted, and it is dropped from the dependency graph.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	sup, ok := m.supervisors[name]
	version := m.versions[name]
	delete(m.supervisors, name)
	delete(m.runners, name)
	delete(m.manifests, name)
	delete(m.versions, name)
	delete(m.bootstrap, name)
	m.graph.RemoveComponent(name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sup.Stop(ctx); err != nil {
		m.log.Warn("stop %s during removal: %v", name, err)
	}
	sup.Close()
	if version != "" {
		if err := m.artifact.Evict(artifact.Identifier{Name: name, Version: version}); err != nil {
			m.log.Warn("evict cached artifacts for %s@%s: %v", name, version, err)
		}
	}
	return nil
}

func timestampNow() int64 { return time.Now().UnixMilli() }

// supervisorRunner adapts *supervisor.Supervisor to orchestrator.ComponentRunner.
type supervisorRunner struct{ sup *supervisor.Supervisor }

func (r supervisorRunner) Start(ctx context.Context) error { return r.sup.Start(ctx) }
func (r supervisorRunner) Stop(ctx context.Context) error  { return r.sup.Stop(ctx) }
