// Package safeupdate implements an admission-control protocol: before
// the orchestrator is allowed to run a disruptive plan, every affected
// component with policy NOTIFY gets a short vote window to defer, and
// the whole update either proceeds, is deferred, or is aborted.
package safeupdate

import (
	"context"
	"sync"
	"time"

	"fleetkeeper/internal/clock"
	"fleetkeeper/pkg/logging"
)

// PolicyAction selects whether affected components are asked to vote.
type PolicyAction int

const (
	NotifyComponents PolicyAction = iota
	SkipNotifyComponents
)

// Policy configures one RequestUpdate call, mirroring the deployment
// document's componentUpdatePolicy.
type Policy struct {
	Action       PolicyAction
	VoteWindow   time.Duration // default 60s
	DeferCap     time.Duration // default 15m, cumulative across re-requests for the same deployment
}

const (
	defaultVoteWindow = 60 * time.Second
	defaultDeferCap   = 15 * time.Minute
)

// VoteResponse is what a Voter returns for one update vote.
type VoteResponse struct {
	Ready  bool
	Defer  time.Duration
	Reason string
}

// Ready is the implicit contribution used when a component never
// responds before its vote window closes.
var Ready = VoteResponse{Ready: true}

// Voter is the per-component collaborator the scheduler solicits a vote
// from. Implementations typically forward to the component's running
// instance over IPC; tests substitute a scripted fake.
type Voter interface {
	// NotifyPreUpdate marks the opening of a vote window for
	// deploymentID. Scheduler guarantees NotifyPostUpdate is called
	// exactly once afterward unless the request is cancelled first, in
	// which case neither PostUpdate nor a cancelled PRE-UPDATE/POST-UPDATE
	// pair is ever observed.
	NotifyPreUpdate(deploymentID string)
	// RequestVote blocks until the component responds or ctx is done
	// (the scheduler bounds ctx to the vote window).
	RequestVote(ctx context.Context) VoteResponse
	// NotifyPostUpdate reports the final outcome for deploymentID:
	// proceed is true iff the update actually proceeded.
	NotifyPostUpdate(deploymentID string, proceed bool)
}

// DecisionKind is the outcome of RequestUpdate.
type DecisionKind int

const (
	Proceed DecisionKind = iota
	Deferred
	Aborted
)

func (k DecisionKind) String() string {
	switch k {
	case Proceed:
		return "PROCEED"
	case Deferred:
		return "DEFERRED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Decision is the scheduler's answer for one RequestUpdate call.
type Decision struct {
	Kind    DecisionKind
	UntilMs int64  // valid when Kind == Deferred
	Reason  string // valid when Kind == Aborted
}

// request tracks cumulative deferral state for one in-flight deployment,
// so repeated RequestUpdate calls (the controller re-polling after a
// deferral elapses) enforce the cumulative cap rather than resetting it.
type request struct {
	cumulative time.Duration
	cancelled  bool
}

// Scheduler keeps per-deployment aggregation state behind one
// Scheduler-wide mutex; votes are collected outside that mutex.
type Scheduler struct {
	log   *logging.Logger
	clk   clock.Clock
	voter func(component string) Voter

	mu       sync.Mutex
	requests map[string]*request
}

// New builds a Scheduler. voterFor resolves the Voter collaborator for a
// named component; it may return nil if the component has no IPC channel
// registered, in which case that component implicitly votes Ready.
func New(log *logging.Logger, clk clock.Clock, voterFor func(component string) Voter) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		log:      log.With("safeupdate"),
		clk:      clk,
		voter:    voterFor,
		requests: make(map[string]*request),
	}
}

func (s *Scheduler) requestFor(deploymentID string) *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[deploymentID]
	if !ok {
		r = &request{}
		s.requests[deploymentID] = r
	}
	return r
}

// Cancel discards any in-flight vote state for deploymentID. Components
// that had a vote window opened but whose outcome was never finalized do
// not receive NotifyPostUpdate — the protocol guarantee that a cancelled
// deployment is never followed by a POST-UPDATE event.
func (s *Scheduler) Cancel(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[deploymentID]
	if !ok {
		r = &request{}
		s.requests[deploymentID] = r
	}
	r.cancelled = true
}

// Forget releases the cumulative-deferral state for a deployment that has
// reached a terminal outcome (PROCEED, ABORTED, or CANCELLED).
func (s *Scheduler) Forget(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, deploymentID)
}

// RequestUpdate runs the admission protocol for one deployment's affected
// components. Callers re-invoke it after a Deferred decision's UntilMs
// has elapsed; the scheduler remembers how much deferral this deployment
// has already consumed and proceeds once the cumulative cap is
// exceeded.
func (s *Scheduler) RequestUpdate(ctx context.Context, deploymentID string, components []string, policy Policy) Decision {
	if policy.Action == SkipNotifyComponents {
		return Decision{Kind: Proceed}
	}
	window := policy.VoteWindow
	if window <= 0 {
		window = defaultVoteWindow
	}
	deferCap := policy.DeferCap
	if deferCap <= 0 {
		deferCap = defaultDeferCap
	}

	req := s.requestFor(deploymentID)

	votes := s.collectVotes(ctx, deploymentID, components, window)

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.cancelled {
		return Decision{Kind: Aborted, Reason: "deployment cancelled during safe-update vote"}
	}

	var maxDefer time.Duration
	var deferringReason string
	for _, v := range votes {
		if !v.Ready && v.Defer > maxDefer {
			maxDefer = v.Defer
			deferringReason = v.Reason
		}
	}
	if maxDefer == 0 {
		s.notifyAll(deploymentID, components, true)
		return Decision{Kind: Proceed}
	}

	if req.cumulative+maxDefer > deferCap {
		s.log.Info("deployment %s: deferral cap exceeded (cumulative=%s requested=%s cap=%s), proceeding anyway",
			deploymentID, req.cumulative, maxDefer, deferCap)
		s.notifyAll(deploymentID, components, true)
		return Decision{Kind: Proceed}
	}
	req.cumulative += maxDefer
	s.log.Info("deployment %s: deferred %s (%s), cumulative=%s", deploymentID, maxDefer, deferringReason, req.cumulative)
	return Decision{Kind: Deferred, UntilMs: s.clk.Now().Add(maxDefer).UnixMilli()}
}

// collectVotes opens a vote window for every component and gathers
// responses, treating a non-response by window close as Ready.
func (s *Scheduler) collectVotes(ctx context.Context, deploymentID string, components []string, window time.Duration) map[string]VoteResponse {
	results := make(map[string]VoteResponse, len(components))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range components {
		voter := s.voter(name)
		if voter == nil {
			mu.Lock()
			results[name] = Ready
			mu.Unlock()
			continue
		}
		voter.NotifyPreUpdate(deploymentID)

		wg.Add(1)
		go func(name string, voter Voter) {
			defer wg.Done()
			voteCtx, cancel := context.WithTimeout(ctx, window)
			defer cancel()
			resp := voter.RequestVote(voteCtx)
			if voteCtx.Err() != nil && !resp.Ready && resp.Defer == 0 {
				resp = Ready
			}
			mu.Lock()
			results[name] = resp
			mu.Unlock()
		}(name, voter)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) notifyAll(deploymentID string, components []string, proceed bool) {
	for _, name := range components {
		if voter := s.voter(name); voter != nil {
			voter.NotifyPostUpdate(deploymentID, proceed)
		}
	}
}

// Abort finalizes deploymentID as aborted (e.g. SAFE_UPDATE_TIMEOUT from
// the controller) and notifies every affected component's Voter.
func (s *Scheduler) Abort(deploymentID string, components []string, reason string) Decision {
	s.notifyAll(deploymentID, components, false)
	s.Forget(deploymentID)
	return Decision{Kind: Aborted, Reason: reason}
}
