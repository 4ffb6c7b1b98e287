// Package status implements the StatusReporter: it tracks the latest
// state per component and deployment and, on every reported transition and
// every periodic tick, emits the full status document to an injected sink
// while also publishing the same counts as Prometheus gauges for a local
// operator. It does not compare against the previously emitted document;
// a report that changes nothing is still emitted.
package status

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetkeeper/internal/clock"
	"fleetkeeper/internal/ingress"
	"fleetkeeper/pkg/logging"
)

// OverallHealth is the device-wide health rollup.
type OverallHealth string

const (
	Healthy   OverallHealth = "HEALTHY"
	Unhealthy OverallHealth = "UNHEALTHY"
)

// ComponentStatus is one component's entry in a status document.
type ComponentStatus struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	State        string `json:"state"`
	RestartCount int    `json:"restartCount"`
	Broken       bool   `json:"broken"`
}

// DeploymentStatus is one deployment's entry in a status document.
type DeploymentStatus struct {
	DeploymentID string `json:"deploymentId"`
	State        string `json:"state"`
	Detail       string `json:"detail,omitempty"`
}

// Document is the egress status payload.
type Document struct {
	Device             string             `json:"device"`
	Timestamp          int64              `json:"timestamp"`
	DeploymentStatuses []DeploymentStatus `json:"deploymentStatuses"`
	ComponentStatuses  []ComponentStatus  `json:"componentStatuses"`
	OverallHealth      OverallHealth      `json:"overallHealth"`
}

// Metrics bundles the Prometheus collectors the reporter publishes.
type Metrics struct {
	ComponentState   *prometheus.GaugeVec
	DeploymentResult *prometheus.CounterVec
	ArtifactRetries  prometheus.Counter
}

// NewMetrics registers a fresh Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ComponentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetkeeper",
			Name:      "component_state",
			Help:      "Current lifecycle state of a component (1 for the active state, 0 otherwise).",
		}, []string{"component", "state"}),
		DeploymentResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetkeeper",
			Name:      "deployment_result_total",
			Help:      "Count of deployments reaching each terminal state.",
		}, []string{"result"}),
		ArtifactRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetkeeper",
			Name:      "artifact_fetch_retries_total",
			Help:      "Count of artifact download retry attempts across all components.",
		}),
	}
	reg.MustRegister(m.ComponentState, m.DeploymentResult, m.ArtifactRetries)
	return m
}

// Reporter holds the latest reported state behind a mutex.
type Reporter struct {
	log      *logging.Logger
	clk      clock.Clock
	device   string
	sink     ingress.StatusSink
	metrics  *Metrics
	tick     time.Duration

	mu          sync.Mutex
	components  map[string]ComponentStatus
	deployments map[string]DeploymentStatus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const defaultTickInterval = 24 * time.Hour

// Options configures a Reporter.
type Options struct {
	Device        string
	Sink          ingress.StatusSink
	Metrics       *Metrics
	TickInterval  time.Duration
	Clock         clock.Clock
}

// New creates a Reporter and starts its periodic-tick goroutine.
func New(log *logging.Logger, opts Options) *Reporter {
	if log == nil {
		log = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	r := &Reporter{
		log:         log.With("status"),
		clk:         opts.Clock,
		device:      opts.Device,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		tick:        firstNonZero(opts.TickInterval, defaultTickInterval),
		components:  make(map[string]ComponentStatus),
		deployments: make(map[string]DeploymentStatus),
		stopCh:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.tickLoop()
	return r
}

func firstNonZero(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// Close stops the periodic-tick goroutine.
func (r *Reporter) Close() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reporter) tickLoop() {
	defer r.wg.Done()
	timer := r.clk.NewTimer(r.tick)
	defer timer.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-timer.C():
			r.Emit(context.Background())
			timer.Reset(r.tick)
		}
	}
}

// ReportComponent records a component transition and immediately emits an
// updated status document, on top of the periodic tick.
func (r *Reporter) ReportComponent(ctx context.Context, cs ComponentStatus) {
	r.mu.Lock()
	r.components[cs.Name] = cs
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ComponentState.Reset()
		r.mu.Lock()
		for _, c := range r.components {
			r.metrics.ComponentState.WithLabelValues(c.Name, c.State).Set(1)
		}
		r.mu.Unlock()
	}
	r.Emit(ctx)
}

// ReportDeployment records a deployment transition and immediately emits
// an updated status document.
func (r *Reporter) ReportDeployment(ctx context.Context, ds DeploymentStatus) {
	r.mu.Lock()
	r.deployments[ds.DeploymentID] = ds
	r.mu.Unlock()
	if r.metrics != nil && isTerminalDeploymentState(ds.State) {
		r.metrics.DeploymentResult.WithLabelValues(ds.State).Inc()
	}
	r.Emit(ctx)
}

func isTerminalDeploymentState(state string) bool {
	switch state {
	case "COMMITTED", "ROLLED_BACK", "FAILED", "CANCELLED":
		return true
	default:
		return false
	}
}

// RecordArtifactRetry increments the artifact-retry counter; wired from
// the artifact store's download pipeline.
func (r *Reporter) RecordArtifactRetry() {
	if r.metrics != nil {
		r.metrics.ArtifactRetries.Inc()
	}
}

// Snapshot renders the current status Document without publishing it.
func (r *Reporter) Snapshot() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := Document{
		Device:        r.device,
		Timestamp:     r.clk.Now().UnixMilli(),
		OverallHealth: Healthy,
	}
	for _, c := range r.components {
		doc.ComponentStatuses = append(doc.ComponentStatuses, c)
		if c.Broken || c.State == "BROKEN" {
			doc.OverallHealth = Unhealthy
		}
	}
	for _, d := range r.deployments {
		doc.DeploymentStatuses = append(doc.DeploymentStatuses, d)
	}
	sort.Slice(doc.ComponentStatuses, func(i, j int) bool {
		return doc.ComponentStatuses[i].Name < doc.ComponentStatuses[j].Name
	})
	sort.Slice(doc.DeploymentStatuses, func(i, j int) bool {
		return doc.DeploymentStatuses[i].DeploymentID < doc.DeploymentStatuses[j].DeploymentID
	})
	return doc
}

// Emit publishes the current snapshot to the configured sink, logging (but
// not propagating) a publish failure — status reporting never blocks the
// supervisors or controllers that triggered it.
func (r *Reporter) Emit(ctx context.Context) {
	if r.sink == nil {
		return
	}
	doc := r.Snapshot()
	payload, err := json.Marshal(doc)
	if err != nil {
		r.log.Error(err, "marshal status document")
		return
	}
	if err := r.sink.PublishStatus(ctx, payload); err != nil {
		r.log.Warn("publish status document: %v", err)
	}
}
