package observability

import (
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the BFF.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration    *prometheus.HistogramVec
	externalErrors     *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	polls              *prometheus.CounterVec
	commits            *prometheus.CounterVec
	hydrations         *prometheus.CounterVec
	hydrationConflicts prometheus.Counter
	activeSessions     prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeflow_operation_duration_seconds",
				Help:    "Duration of core operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_status_transitions_total",
				Help: "Applied project status transitions by target status and origin.",
			},
			[]string{"status", "origin"},
		),
		transitionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_status_transition_failures_total",
				Help: "Rejected or failed status transitions by reason.",
			},
			[]string{"reason"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_notifications_total",
				Help: "Approval notifications by gate and outcome (sent, failed, deduplicated).",
			},
			[]string{"gate", "outcome"},
		),
		polls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_approval_polls_total",
				Help: "Approval gate status polls by outcome.",
			},
			[]string{"outcome"},
		),
		commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_specification_commits_total",
				Help: "Specification row commits by outcome.",
			},
			[]string{"outcome"},
		),
		hydrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_hydrations_total",
				Help: "Draft hydrations by source kind.",
			},
			[]string{"source"},
		),
		hydrationConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeflow_hydration_conflicts_total",
				Help: "Hydrations that received more than one source signal.",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeflow_active_sessions",
				Help: "Open wizard sessions.",
			},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrTransition counts an applied transition. origin is "client" or "external".
func (m *Metrics) IncrTransition(status domain.Status, origin string) {
	m.transitions.WithLabelValues(string(status), origin).Inc()
}

// IncrTransitionFailure counts a transition that was not applied.
func (m *Metrics) IncrTransitionFailure(reason string) {
	m.transitionFailures.WithLabelValues(reason).Inc()
}

// IncrNotification counts a notification outcome.
func (m *Metrics) IncrNotification(gate domain.GateKind, outcome string) {
	m.notifications.WithLabelValues(string(gate), outcome).Inc()
}

// IncrPoll counts an approval poll outcome (unchanged, changed, rejected, error).
func (m *Metrics) IncrPoll(outcome string) {
	m.polls.WithLabelValues(outcome).Inc()
}

// IncrCommit counts an EditBuffer commit outcome (updated, unchanged, error).
func (m *Metrics) IncrCommit(outcome string) {
	m.commits.WithLabelValues(outcome).Inc()
}

// IncrHydration counts a hydration by its winning source.
func (m *Metrics) IncrHydration(source domain.SourceKind) {
	m.hydrations.WithLabelValues(string(source)).Inc()
}

// IncrHydrationConflict counts a hydration with competing signals.
func (m *Metrics) IncrHydrationConflict() {
	m.hydrationConflicts.Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

// WorkflowSnapshot returns counter totals for GET /v1/metrics/workflow.
func (m *Metrics) WorkflowSnapshot() *domain.WorkflowMetrics {
	sent := sumCounterVec(m.notifications, "outcome", "sent")
	failed := sumCounterVec(m.notifications, "outcome", "failed")

	success := float64(0)
	if sent+failed > 0 {
		success = sent / (sent + failed)
	}

	return &domain.WorkflowMetrics{
		Transitions:         int64(sumCounterVec(m.transitions, "", "")),
		TransitionFailures:  int64(sumCounterVec(m.transitionFailures, "", "")),
		NotificationsSent:   int64(sent),
		NotificationsFailed: int64(failed),
		NotificationsDedup:  int64(sumCounterVec(m.notifications, "outcome", "deduplicated")),
		Rejections:          int64(sumCounterVec(m.polls, "outcome", "rejected")),
		HydrationConflicts:  int64(counterValue(m.hydrationConflicts)),
		CommitCount:         int64(sumCounterVec(m.commits, "outcome", "updated")),
		ActiveSessions:      int64(gaugeValue(m.activeSessions)),
		NotificationSuccess: success,
	}
}

// sumCounterVec adds every series of cv, optionally filtered by one label value.
func sumCounterVec(cv *prometheus.CounterVec, label, value string) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	total := float64(0)
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil || pb.Counter == nil {
			continue
		}
		if label != "" && !hasLabel(pb, label, value) {
			continue
		}
		total += pb.Counter.GetValue()
	}
	return total
}

func hasLabel(pb *dto.Metric, name, value string) bool {
	for _, lp := range pb.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func counterValue(c prometheus.Counter) float64 {
	pb := &dto.Metric{}
	if err := c.Write(pb); err != nil || pb.Counter == nil {
		return 0
	}
	return pb.Counter.GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	pb := &dto.Metric{}
	if err := g.Write(pb); err != nil || pb.Gauge == nil {
		return 0
	}
	return pb.Gauge.GetValue()
}
