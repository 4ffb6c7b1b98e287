package supervisor

import (
	"context"

	"fleetkeeper/internal/platform"
)

// LifecycleRunner executes one lifecycle phase's command. Favors
// composition over inheritance: ComponentSupervisor holds one of these
// strategies, selected from the recipe rather than from a subclass
// hierarchy of per-component-type lifecycle classes.
type LifecycleRunner interface {
	// Run executes command and blocks until it exits, is cancelled via ctx,
	// or exceeds timeout handling done by the caller.
	Run(ctx context.Context, command string) (platform.ExitResult, error)
}

// ExternalProcessRunner runs a phase's command as an OS process group via
// a platform.Adapter — the common case for any component with a real
// lifecycle command.
type ExternalProcessRunner struct {
	Adapter platform.Adapter
	Dir     string
	Env     []string
}

func (r *ExternalProcessRunner) Run(ctx context.Context, command string) (platform.ExitResult, error) {
	handle, err := r.Adapter.Start(ctx, platform.StartSpec{
		Command: []string{"/bin/sh", "-c", command},
		Dir:     r.Dir,
		Env:     r.Env,
	})
	if err != nil {
		return platform.ExitResult{}, err
	}
	return handle.Wait()
}

// BuiltinTaskFunc is an in-process function standing in for a lifecycle
// phase, used by components with no external process (pure configuration
// components, test fixtures).
type BuiltinTaskFunc func(ctx context.Context) error

// BuiltinTaskRunner runs an in-process function instead of spawning a
// process.
type BuiltinTaskRunner struct {
	Task BuiltinTaskFunc
}

func (r *BuiltinTaskRunner) Run(ctx context.Context, command string) (platform.ExitResult, error) {
	if err := r.Task(ctx); err != nil {
		return platform.ExitResult{ExitCode: 1}, err
	}
	return platform.ExitResult{ExitCode: 0}, nil
}

// NoopRunner runs nothing and reports instant success. The supervisor does
// not need it for phases a recipe doesn't define: it skips those and treats
// them as success without any runner.
type NoopRunner struct{}

func (NoopRunner) Run(ctx context.Context, command string) (platform.ExitResult, error) {
	return platform.ExitResult{ExitCode: 0}, nil
}
