package deployment

import (
	"context"
	"sync"

	"fleetkeeper/internal/ingress"
	"fleetkeeper/pkg/logging"
)

// Manager is the singleton that owns the pendingQueue and runs deployments
// one at a time in strict timestamp order: one worker goroutine pops the
// queue, runs a Controller to completion, and folds its result into the
// remembered active-group assignment before picking the next.
type Manager struct {
	deps Deps
	log  *logging.Logger

	queue *pendingQueue

	mu            sync.Mutex
	active        map[string]string // component name -> version, across all committed groups
	last          map[string]Result // deploymentID -> most recent reported Result
	lastTimestamp int64             // highest timestamp ever handed to a Controller

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	restart   chan Result // closed/sent once, when a controller requests a bootstrap restart
}

// NewManager builds a Manager and starts its worker loop. A pending
// bootstrap continuation is not replayed here — the daemon reads the
// persisted document at startup and re-Submits it; the Controller
// recognizes the matching continuation record and continues the apply
// instead of requesting a second restart.
func NewManager(deps Deps) *Manager {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	m := &Manager{
		deps:    deps,
		log:     deps.Log.With("deployment.manager"),
		queue:   newPendingQueue(),
		active:  make(map[string]string),
		last:    make(map[string]Result),
		done:    make(chan struct{}),
		restart: make(chan Result, 1),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Submit admits doc into the queue. A document reusing an in-flight
// DeploymentID replaces the pending one (dedup, not a second deployment).
func (m *Manager) Submit(doc *ingress.Document) {
	m.queue.Add(doc)
}

// Cancel requests cancellation of deploymentID, whether still queued or
// already running; returns false if no such deployment is known.
func (m *Manager) Cancel(deploymentID string) bool {
	return m.queue.Cancel(deploymentID)
}

// Knows reports whether deploymentID is queued, in flight, or already has
// a recorded result in this process. The daemon's continuation watcher
// uses this to tell an externally written continuation record apart from
// one this process's own controller just wrote before requesting a
// restart.
func (m *Manager) Knows(deploymentID string) bool {
	m.mu.Lock()
	_, done := m.last[deploymentID]
	m.mu.Unlock()
	return done || m.queue.Has(deploymentID)
}

// Result returns the most recently reported Result for deploymentID.
func (m *Manager) Result(deploymentID string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.last[deploymentID]
	return r, ok
}

// ActiveAssignment returns a copy of the current committed name->version
// map, e.g. for a status snapshot or the next Controller's baseline.
func (m *Manager) ActiveAssignment() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

// RestartRequested delivers the Result of a deployment that requested a
// bootstrap restart, for cmd/serve to act on by exiting with code 101
// after a graceful shutdown.
func (m *Manager) RestartRequested() <-chan Result {
	return m.restart
}

// Close stops the worker loop, waiting for any in-flight Controller.Run to
// return. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.queue.Shutdown()
	})
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		req, ok := m.queue.Get(m.done)
		if !ok {
			return
		}
		m.process(req)
	}
}

func (m *Manager) process(req *Request) {
	id := req.Doc.DeploymentID

	// Deployments are totally ordered by timestamp: a document older than
	// one already handed to a Controller describes a snapshot this device
	// has moved past, and is rejected rather than applied out of order.
	m.mu.Lock()
	if req.Doc.Timestamp < m.lastTimestamp {
		result := Result{DeploymentID: id, State: StateFailed, Detail: "REJECTED_STALE_TIMESTAMP"}
		m.last[id] = result
		m.mu.Unlock()
		m.log.Warn("deployment %s: rejected, timestamp %d older than last processed %d", id, req.Doc.Timestamp, m.lastTimestamp)
		m.queue.Done(id)
		return
	}
	m.lastTimestamp = req.Doc.Timestamp
	m.mu.Unlock()

	controller := NewController(m.deps, req.Doc, m.ActiveAssignment(), func() bool { return m.queue.IsCancelled(id) })

	result, newActive := controller.Run(context.Background())

	m.mu.Lock()
	m.last[id] = result
	if newActive != nil {
		m.active = newActive
	}
	m.mu.Unlock()

	m.queue.Done(id)

	if result.Restart {
		select {
		case m.restart <- result:
		default:
		}
	}
}

