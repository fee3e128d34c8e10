package nsrpcmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "nsrpc"
	subsystem = "mesh"
)

// Label names for mesh metrics.
const (
	labelRole      = "role"
	labelNamespace = "namespace"
	labelAction    = "action"
	labelOutcome   = "outcome"
	labelReason    = "reason"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// -------------------------------------------------------------------------
// Collector — Prometheus mesh metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the mesh daemon exposes
// (§4.K).
//
//   - SessionsActive tracks currently live sessions by role.
//   - RequestsTotal/RequestDuration track invocation volume and latency.
//   - CursorsActive/CursorItemsTotal track lazy-sequence streaming.
//   - DiscoveryRefreshTotal tracks the peer discovery loop.
//   - SetupFailuresTotal flags rejected handshakes for alerting.
type Collector struct {
	// SessionsActive tracks the number of currently live sessions,
	// labeled by local role (origin, upstream-peer, downstream-peer).
	SessionsActive *prometheus.GaugeVec

	// RequestsTotal counts completed invocations, labeled by namespace,
	// action, and outcome (ok/error).
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes invocation latency in seconds, labeled by
	// namespace and action.
	RequestDuration *prometheus.HistogramVec

	// CursorsActive tracks the number of currently open lazy-sequence
	// cursors.
	CursorsActive prometheus.Gauge

	// CursorItemsTotal counts items streamed across every cursor
	// advance.
	CursorItemsTotal prometheus.Counter

	// DiscoveryRefreshTotal counts discovery refresh cycles, labeled by
	// role and outcome.
	DiscoveryRefreshTotal *prometheus.CounterVec

	// SetupFailuresTotal counts rejected setup handshakes, labeled by
	// reason (e.g. bad_signature, unsupported_type, unsupported_codec).
	SetupFailuresTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with every mesh metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "nsrpc_mesh_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsActive,
		c.RequestsTotal,
		c.RequestDuration,
		c.CursorsActive,
		c.CursorItemsTotal,
		c.DiscoveryRefreshTotal,
		c.SetupFailuresTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	requestLabels := []string{labelNamespace, labelAction, labelOutcome}
	durationLabels := []string{labelNamespace, labelAction}
	discoveryLabels := []string{labelRole, labelOutcome}

	return &Collector{
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently live sessions, by local role.",
		}, []string{labelRole}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total procedure invocations, by namespace, action, and outcome.",
		}, requestLabels),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Procedure invocation latency in seconds, by namespace and action.",
			Buckets:   prometheus.DefBuckets,
		}, durationLabels),

		CursorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cursors_active",
			Help:      "Number of currently open lazy-sequence cursors.",
		}),

		CursorItemsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cursor_items_total",
			Help:      "Total items streamed across every cursor advance.",
		}),

		DiscoveryRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_refresh_total",
			Help:      "Total discovery refresh cycles, by role and outcome.",
		}, discoveryLabels),

		SetupFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "setup_failures_total",
			Help:      "Total rejected setup handshakes, by reason.",
		}, []string{labelReason}),
	}
}

// -------------------------------------------------------------------------
// Session lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for role. Called
// when a session completes its handshake.
func (c *Collector) RegisterSession(role string) {
	c.SessionsActive.WithLabelValues(role).Inc()
}

// UnregisterSession decrements the active sessions gauge for role. Called
// when a session tears down.
func (c *Collector) UnregisterSession(role string) {
	c.SessionsActive.WithLabelValues(role).Dec()
}

// -------------------------------------------------------------------------
// Requests
// -------------------------------------------------------------------------

// ObserveRequest records one completed invocation: increments
// RequestsTotal with the given outcome and observes its duration.
func (c *Collector) ObserveRequest(namespace, action, outcome string, duration time.Duration) {
	c.RequestsTotal.WithLabelValues(namespace, action, outcome).Inc()
	c.RequestDuration.WithLabelValues(namespace, action).Observe(duration.Seconds())
}

// -------------------------------------------------------------------------
// Cursors
// -------------------------------------------------------------------------

// CursorStarted increments the open-cursor gauge. Called when a lazy
// sequence invocation returns a CURSOR_START.
func (c *Collector) CursorStarted() {
	c.CursorsActive.Inc()
}

// CursorEnded decrements the open-cursor gauge. Called on CURSOR_END,
// CURSOR_ERROR, or session teardown.
func (c *Collector) CursorEnded() {
	c.CursorsActive.Dec()
}

// CursorItemsAdvanced increments the cursor item counter by n. Called
// once per CURSOR_NEXT response that carries a value.
func (c *Collector) CursorItemsAdvanced(n int) {
	c.CursorItemsTotal.Add(float64(n))
}

// -------------------------------------------------------------------------
// Discovery
// -------------------------------------------------------------------------

// DiscoveryRefreshed increments the discovery refresh counter for role
// and outcome. Called after each Refresher cycle.
func (c *Collector) DiscoveryRefreshed(role, outcome string) {
	c.DiscoveryRefreshTotal.WithLabelValues(role, outcome).Inc()
}

// -------------------------------------------------------------------------
// Setup
// -------------------------------------------------------------------------

// SetupFailed increments the setup failure counter for reason. Called
// when Accept rejects an incoming handshake.
func (c *Collector) SetupFailed(reason string) {
	c.SetupFailuresTotal.WithLabelValues(reason).Inc()
}
