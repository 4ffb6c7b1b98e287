package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fleetkeeper/internal/clock"
	"fleetkeeper/internal/ferrors"
	"fleetkeeper/internal/platform"
	"fleetkeeper/internal/recipe"
	"fleetkeeper/pkg/logging"
)

// PhaseSpec is one rendered lifecycle command paired with the strategy
// that executes it.
type PhaseSpec struct {
	Command string
	Runner  LifecycleRunner
}

// Options configures a new Supervisor.
type Options struct {
	Name                string
	Phases              map[recipe.LifecyclePhase]PhaseSpec
	Clock               clock.Clock
	Log                 *logging.Logger
	StartupTimeout      time.Duration
	ShutdownGrace       time.Duration
	RestartWindow       time.Duration
	RestartLimit        int
	RestartDelay        time.Duration
	StabilizationPeriod time.Duration
}

const (
	defaultStartupTimeout      = 30 * time.Second
	defaultShutdownGrace       = 7 * time.Second
	defaultRestartWindow       = 5 * time.Minute
	defaultRestartLimit        = 3
	defaultRestartDelay        = 5 * time.Second
	defaultStabilizationPeriod = 60 * time.Second
)

type eventKind int

const (
	evInstall eventKind = iota
	evStart
	evStop
	evProcessExited
	evDependencyDown
	evDependencyUp
	evStabilized
	evRestart
	evAddDependent
)

type event struct {
	kind    eventKind
	result  platform.ExitResult
	err     error
	dep     *Supervisor
	respond chan error
}

// Supervisor is the mailbox-serial actor owning one component's lifecycle
// state. All state transitions happen on a single goroutine; readers call
// Snapshot for a lock-free view.
type Supervisor struct {
	name   string
	log    *logging.Logger
	clk    clock.Clock
	phases map[recipe.LifecyclePhase]PhaseSpec

	startupTimeout      time.Duration
	shutdownGrace       time.Duration
	restartWindow       time.Duration
	restartLimit        int
	restartDelay        time.Duration
	stabilizationPeriod time.Duration

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	snapshot atomic.Value // Snapshot

	// mailbox-goroutine-only state below
	state          State
	restartEntries []time.Time
	runCancel      context.CancelFunc
	dependents     []*Supervisor
	lastError      error
}

// New creates and starts a Supervisor in state NEW.
func New(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	s := &Supervisor{
		name:                opts.Name,
		log:                 opts.Log.With("supervisor." + opts.Name),
		clk:                 opts.Clock,
		phases:              opts.Phases,
		startupTimeout:      firstNonZeroDuration(opts.StartupTimeout, defaultStartupTimeout),
		shutdownGrace:       firstNonZeroDuration(opts.ShutdownGrace, defaultShutdownGrace),
		restartWindow:       firstNonZeroDuration(opts.RestartWindow, defaultRestartWindow),
		restartLimit:        firstNonZeroInt(opts.RestartLimit, defaultRestartLimit),
		restartDelay:        firstNonZeroDuration(opts.RestartDelay, defaultRestartDelay),
		stabilizationPeriod: firstNonZeroDuration(opts.StabilizationPeriod, defaultStabilizationPeriod),
		events:              make(chan event, 32),
		done:                make(chan struct{}),
		state:               StateNew,
	}
	s.snapshot.Store(Snapshot{State: StateNew})
	s.wg.Add(1)
	go s.loop()
	return s
}

func firstNonZeroDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func firstNonZeroInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Close stops the mailbox goroutine; used during tests and final teardown.
func (s *Supervisor) Close() {
	close(s.done)
	s.wg.Wait()
}

// Snapshot returns the last committed state without touching the mailbox.
func (s *Supervisor) Snapshot() Snapshot {
	return s.snapshot.Load().(Snapshot)
}

// AddDependent registers dep to receive STOPPING/RUNNING propagation when
// this supervisor's HARD dependency state changes.
func (s *Supervisor) AddDependent(dep *Supervisor) {
	select {
	case s.events <- event{kind: evAddDependent, dep: dep}:
	case <-s.done:
	}
}

// Install runs the recipe's install phase and blocks for the outcome.
func (s *Supervisor) Install(ctx context.Context) error {
	return s.submit(ctx, evInstall)
}

// Start runs the startup phase, then the run phase in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.submit(ctx, evStart)
}

// Stop runs the shutdown phase and waits for STOPPING to resolve.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.submit(ctx, evStop)
}

func (s *Supervisor) submit(ctx context.Context, kind eventKind) error {
	resp := make(chan error, 1)
	select {
	case s.events <- event{kind: kind, respond: resp}:
	case <-s.done:
		return fmt.Errorf("supervisor %s: closed", s.name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("supervisor %s: closed", s.name)
	}
}

func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			err := s.handle(ev)
			if ev.respond != nil {
				ev.respond <- err
			}
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.state = state
	snap := Snapshot{State: state, LastError: s.lastError, RestartCount: len(s.restartEntries)}
	s.snapshot.Store(snap)
	s.log.Debug("%s -> %s", s.name, state)
}

// handle implements the lifecycle state transition table.
func (s *Supervisor) handle(ev event) error {
	switch ev.kind {
	case evInstall:
		return s.handleInstall()
	case evStart:
		return s.handleStart()
	case evStop:
		return s.handleStop()
	case evProcessExited:
		s.handleProcessExited(ev)
		return nil
	case evDependencyDown:
		return s.handleDependencyDown()
	case evDependencyUp:
		return s.handleDependencyUp()
	case evStabilized:
		if s.state == StateRunning {
			s.restartEntries = nil
		}
		return nil
	case evRestart:
		// Automatic restart from ERRORED. A Start issued between the
		// failure and this firing leaves the state elsewhere, in which case
		// the event is stale and dropped. Stop does not change ERRORED, so
		// the restart still fires after a Stop; Close ends the wait instead.
		if s.state == StateErrored {
			if err := s.handleStart(); err != nil {
				s.log.Warn("automatic restart of %s failed: %v", s.name, err)
			}
		}
		return nil
	case evAddDependent:
		s.dependents = append(s.dependents, ev.dep)
		return nil
	}
	return nil
}

func (s *Supervisor) handleInstall() error {
	if s.state != StateNew {
		return fmt.Errorf("supervisor %s: install only valid from NEW, in %s", s.name, s.state)
	}
	result, found, err := s.runPhaseSync(recipe.PhaseInstall)
	if err != nil || (found && result.ExitCode != 0) {
		s.lastError = err
		s.enterErrored(ferrors.New(ferrors.KindPlatformSpawn, fmt.Sprintf("%s install phase failed", s.name)))
		return s.lastError
	}
	s.setState(StateInstalled)
	return nil
}

func (s *Supervisor) handleStart() error {
	if s.state != StateInstalled && s.state != StateErrored {
		return fmt.Errorf("supervisor %s: start only valid from INSTALLED/ERRORED, in %s", s.name, s.state)
	}
	s.setState(StateStarting)

	spec, found := s.phases[recipe.PhaseRecover]
	if s.lastRunWasErrored() && found {
		_, _ = s.runPhase(recipe.PhaseRecover, spec)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.startupTimeout)
	defer cancel()
	result, foundStartup, err := s.runPhaseCtx(ctx, recipe.PhaseStartup)
	if err != nil || (foundStartup && result.ExitCode != 0) {
		if ctx.Err() != nil {
			s.enterErrored(ferrors.New(ferrors.KindStartupTimeout, fmt.Sprintf("%s startup exceeded %s", s.name, s.startupTimeout)))
		} else {
			s.enterErrored(ferrors.Wrap(ferrors.KindRunFailure, err, fmt.Sprintf("%s startup failed", s.name)))
		}
		return s.lastError
	}

	runSpec, hasRun := s.phases[recipe.PhaseRun]
	if !hasRun {
		s.setState(StateFinished)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go s.runLongLived(runCtx, runSpec)
	s.setState(StateRunning)
	s.scheduleStabilization()
	s.propagateDependentsUp()
	return nil
}

func (s *Supervisor) lastRunWasErrored() bool { return len(s.restartEntries) > 0 }

func (s *Supervisor) runLongLived(ctx context.Context, spec PhaseSpec) {
	result, err := spec.Runner.Run(ctx, spec.Command)
	select {
	case s.events <- event{kind: evProcessExited, result: result, err: err}:
	case <-s.done:
	}
}

func (s *Supervisor) scheduleStabilization() {
	timer := s.clk.NewTimer(s.stabilizationPeriod)
	go func() {
		select {
		case <-timer.C():
			select {
			case s.events <- event{kind: evStabilized}:
			case <-s.done:
			}
		case <-s.done:
			timer.Stop()
		}
	}()
}

func (s *Supervisor) handleProcessExited(ev event) {
	if s.state != StateRunning && s.state != StateStopping {
		return
	}
	wasStopping := s.state == StateStopping
	if wasStopping {
		s.setState(StateInstalled)
		return
	}
	if ev.err == nil && ev.result.ExitCode == 0 {
		s.setState(StateFinished)
		return
	}
	s.enterErrored(ferrors.New(ferrors.KindRunFailure, fmt.Sprintf("%s run phase exited %d", s.name, ev.result.ExitCode)))
}

func (s *Supervisor) handleStop() error {
	if s.state != StateRunning && s.state != StateStarting {
		return nil
	}
	s.setState(StateStopping)
	s.propagateDependentsDown()

	if s.runCancel != nil {
		s.runCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	_, _, _ = s.runPhaseCtx(ctx, recipe.PhaseShutdown)

	s.setState(StateInstalled)
	return nil
}

func (s *Supervisor) enterErrored(cause error) {
	s.lastError = cause
	s.restartEntries = append(s.restartEntries, s.clk.Now())
	s.pruneRestartWindow()
	if len(s.restartEntries) >= s.restartLimit {
		s.setState(StateBroken)
		return
	}
	s.setState(StateErrored)
	s.scheduleRestart()
}

// scheduleRestart arms the automatic ERRORED -> STARTING transition:
// after restartDelay the mailbox receives evRestart and re-runs the
// start sequence (recover phase first, if defined), consuming one entry
// of the restart budget per failure until the window declares BROKEN.
func (s *Supervisor) scheduleRestart() {
	timer := s.clk.NewTimer(s.restartDelay)
	go func() {
		select {
		case <-timer.C():
			select {
			case s.events <- event{kind: evRestart}:
			case <-s.done:
			}
		case <-s.done:
			timer.Stop()
		}
	}()
}

func (s *Supervisor) pruneRestartWindow() {
	cutoff := s.clk.Now().Add(-s.restartWindow)
	kept := s.restartEntries[:0]
	for _, t := range s.restartEntries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartEntries = kept
}

func (s *Supervisor) handleDependencyDown() error {
	if s.state == StateRunning {
		return s.handleStop()
	}
	return nil
}

func (s *Supervisor) handleDependencyUp() error {
	if s.state == StateInstalled {
		return s.handleStart()
	}
	return nil
}

func (s *Supervisor) propagateDependentsDown() {
	for _, d := range s.dependents {
		go func(dep *Supervisor) {
			select {
			case dep.events <- event{kind: evDependencyDown}:
			case <-dep.done:
			}
		}(d)
	}
}

func (s *Supervisor) propagateDependentsUp() {
	for _, d := range s.dependents {
		go func(dep *Supervisor) {
			select {
			case dep.events <- event{kind: evDependencyUp}:
			case <-dep.done:
			}
		}(d)
	}
}

func (s *Supervisor) runPhaseSync(phase recipe.LifecyclePhase) (platform.ExitResult, bool, error) {
	return s.runPhaseCtx(context.Background(), phase)
}

func (s *Supervisor) runPhase(phase recipe.LifecyclePhase, spec PhaseSpec) (platform.ExitResult, error) {
	result, err := spec.Runner.Run(context.Background(), spec.Command)
	return result, err
}

func (s *Supervisor) runPhaseCtx(ctx context.Context, phase recipe.LifecyclePhase) (platform.ExitResult, bool, error) {
	spec, ok := s.phases[phase]
	if !ok {
		return platform.ExitResult{ExitCode: 0}, false, nil
	}
	result, err := spec.Runner.Run(ctx, spec.Command)
	return result, true, err
}
