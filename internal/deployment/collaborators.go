package deployment

import (
	"context"

	"fleetkeeper/internal/artifact"
	"fleetkeeper/internal/dependency"
	"fleetkeeper/internal/orchestrator"
	"fleetkeeper/internal/recipe"
)

// RecipeCatalog bridges the resolver's Catalog contract to the on-disk
// recipe/artifact cache: Versions/Dependencies satisfy
// dependency.Catalog, and Manifest returns the parsed recipe once a
// version has been assigned, so the Controller never parses YAML itself.
type RecipeCatalog interface {
	dependency.Catalog
	Manifest(name, version string) (*recipe.Model, error)
}

// ValidationOutcome is one component's answer to a proposed configuration
// change.
type ValidationOutcome struct {
	OK     bool
	Reason string
}

// ValidationClient performs the per-component IPC round-trip of the
// VALIDATING state. Implementations typically forward to the component's
// running instance over a local socket; ctx is bounded to
// configurationValidationTimeoutSec by the caller.
type ValidationClient interface {
	Validate(ctx context.Context, component string, configuration map[string]interface{}) ValidationOutcome
}

// ComponentManager owns the live dependency graph and supervisor set that
// backs the Orchestrator: it turns a resolved (name -> version) map into
// running or stopped components. Keeping this behind an interface lets the
// Controller's FSM be tested without spinning up real process supervisors.
type ComponentManager interface {
	// Prefetch fetches and digest-verifies every artifact the platform's
	// selected manifest of id declares, without constructing a supervisor
	// yet.
	Prefetch(ctx context.Context, id artifact.Identifier, manifest *recipe.Model) error
	// Ensure makes sure a supervisor exists for id, rendering its
	// lifecycle phases against configuration if this is the first time id
	// has been seen. It does not start the component.
	Ensure(ctx context.Context, id artifact.Identifier, manifest *recipe.Model, configuration map[string]interface{}) error
	// Graph returns the live dependency graph, already carrying edges for
	// every component Ensure has been called for.
	Graph() *orchestrator.Graph
	// Executor returns the Executor wired to the current supervisor set.
	Executor() *orchestrator.Executor
	// Active returns the currently running component name set.
	Active() map[string]bool
	// Broken reports whether name's supervisor is in the BROKEN state.
	Broken(name string) bool
	// RequiresBootstrap reports whether id's manifest declares a bootstrap
	// lifecycle phase, meaning applying it needs a device restart.
	RequiresBootstrap(id artifact.Identifier) bool
	// Remove tears down and forgets a component no longer in the active set.
	Remove(ctx context.Context, name string) error
}
