package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetkeeper/internal/ferrors"
	"fleetkeeper/pkg/logging"
)

// ComponentRunner is the subset of supervisor.Supervisor the orchestrator
// needs to execute a Plan; kept as an interface so plan execution can be
// tested without spinning up real mailbox actors.
type ComponentRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Executor dispatches a Plan's phases to ComponentRunners, waiting for
// each phase to quiesce before starting the next.
type Executor struct {
	log           *logging.Logger
	components    map[string]ComponentRunner
	phaseTimeout  time.Duration
}

func NewExecutor(log *logging.Logger, components map[string]ComponentRunner, phaseTimeout time.Duration) *Executor {
	if log == nil {
		log = logging.Nop()
	}
	if phaseTimeout <= 0 {
		phaseTimeout = 2 * time.Minute
	}
	return &Executor{log: log.With("orchestrator"), components: components, phaseTimeout: phaseTimeout}
}

// Execute runs every phase of plan in order, each phase's actions run
// concurrently via errgroup bounded by the phase timeout. The first
// failing action in a phase aborts that phase (and the whole plan); prior
// phases already committed are not rolled back here — that is the
// DeploymentController's responsibility.
func (e *Executor) Execute(ctx context.Context, plan *Plan) error {
	for _, phase := range plan.Phases {
		if err := e.runPhase(ctx, phase); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runPhase(ctx context.Context, phase Phase) error {
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(phaseCtx)
	for _, name := range phase.Actions {
		name := name
		runner, ok := e.components[name]
		if !ok {
			return fmt.Errorf("orchestrator: no runner registered for %s", name)
		}
		g.Go(func() error {
			var err error
			switch phase.Kind {
			case ActionStart:
				err = runner.Start(gctx)
			case ActionStop:
				err = runner.Stop(gctx)
			}
			if err != nil {
				return ferrors.Wrap(ferrors.KindPlatformSpawn, err, fmt.Sprintf("%s %s failed", phase.Kind, name))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Error(err, "phase %s failed", phase.Kind)
		return err
	}
	return nil
}
