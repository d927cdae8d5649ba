package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the state controller and the
// reconciliation API.
type Metrics struct {
	config MetricsConfig

	// Controller tick metrics
	ticksTotal   *prometheus.CounterVec
	tickDuration prometheus.Histogram

	// Per-resource reconciliation metrics
	outcomesTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	slaOverdueTotal  *prometheus.CounterVec

	// Fleet metrics
	resourcesByState *prometheus.GaugeVec
	quarantined      prometheus.Gauge

	// Intent queue metrics
	intentsEnqueued *prometheus.CounterVec
	intentsConsumed prometheus.Counter

	// Agent report metrics
	agentReports       *prometheus.CounterVec
	agentReportLatency prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_ticks_total",
				Help:      "Total number of controller ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "controller_tick_duration_seconds",
				Help:      "Duration of full reconciliation passes in seconds",
				Buckets:   buckets,
			},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Total number of per-resource reconcile outcomes",
			},
			[]string{"kind", "decision"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of realized lifecycle transitions",
			},
			[]string{"kind", "from", "to"},
		),
		slaOverdueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sla_overdue_total",
				Help:      "Total number of ticks where a resource exceeded its state residency threshold",
			},
			[]string{"kind", "state"},
		),

		resourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_by_state",
				Help:      "Current number of resources per lifecycle state",
			},
			[]string{"kind", "state"},
		),
		quarantined: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_quarantined",
				Help:      "Current number of quarantined resources",
			},
		),

		intentsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_enqueued_total",
				Help:      "Total number of intents accepted into the queue",
			},
			[]string{"type"},
		),
		intentsConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_consumed_total",
				Help:      "Total number of intents consumed by state saves",
			},
		),

		agentReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_reports_total",
				Help:      "Total number of agent status reports by verdict",
			},
			[]string{"verdict"},
		),
		agentReportLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_report_handling_seconds",
				Help:      "Time spent handling agent status reports in seconds",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of reconcile errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.ticksTotal,
		m.tickDuration,
		m.outcomesTotal,
		m.transitionsTotal,
		m.slaOverdueTotal,
		m.resourcesByState,
		m.quarantined,
		m.intentsEnqueued,
		m.intentsConsumed,
		m.agentReports,
		m.agentReportLatency,
		m.errorsByClass,
	)

	return m, nil
}

// Controller Metrics

// RecordTick records one controller tick and its duration. Ticks that did
// not run (lock missed, list failure) record only the result counter.
func (m *Metrics) RecordTick(result string, duration time.Duration) {
	if m.ticksTotal == nil {
		return
	}
	m.ticksTotal.WithLabelValues(result).Inc()
	if result == "completed" {
		m.tickDuration.Observe(duration.Seconds())
	}
}

// RecordOutcome records a per-resource reconcile decision.
func (m *Metrics) RecordOutcome(kind, decision string) {
	if m.outcomesTotal == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(kind, decision).Inc()
}

// RecordTransition records a realized lifecycle transition.
func (m *Metrics) RecordTransition(kind, from, to string) {
	if m.transitionsTotal == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(kind, from, to).Inc()
}

// RecordSLAOverdue records one tick where a resource sat in a state beyond
// its residency threshold.
func (m *Metrics) RecordSLAOverdue(kind, state string) {
	if m.slaOverdueTotal == nil {
		return
	}
	m.slaOverdueTotal.WithLabelValues(kind, state).Inc()
}

// Fleet Metrics

// SetResourcesByState sets the per-state fleet gauge.
func (m *Metrics) SetResourcesByState(kind, state string, count float64) {
	if m.resourcesByState == nil {
		return
	}
	m.resourcesByState.WithLabelValues(kind, state).Set(count)
}

// SetQuarantinedCount sets the quarantined resources gauge.
func (m *Metrics) SetQuarantinedCount(count float64) {
	if m.quarantined == nil {
		return
	}
	m.quarantined.Set(count)
}

// Intent Metrics

// RecordIntentEnqueued counts an accepted intent by type.
func (m *Metrics) RecordIntentEnqueued(intentType string) {
	if m.intentsEnqueued == nil {
		return
	}
	m.intentsEnqueued.WithLabelValues(intentType).Inc()
}

// RecordIntentsConsumed counts intents consumed by a state save.
func (m *Metrics) RecordIntentsConsumed(n int) {
	if m.intentsConsumed == nil {
		return
	}
	m.intentsConsumed.Add(float64(n))
}

// Agent Metrics

// RecordAgentReport counts an agent status report by verdict
// (healthy, unhealthy, isolated, stale).
func (m *Metrics) RecordAgentReport(verdict string, handling time.Duration) {
	if m.agentReports == nil {
		return
	}
	m.agentReports.WithLabelValues(verdict).Inc()
	m.agentReportLatency.Observe(handling.Seconds())
}

// Error Metrics

// RecordError records a reconcile error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
