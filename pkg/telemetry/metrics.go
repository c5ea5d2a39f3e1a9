package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/stores"
)

// Metrics provides Prometheus metrics for the orchestrator. It implements
// engine.Observer so the engine reports execution and step outcomes
// directly. A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   *prometheus.GaugeVec

	// Step metrics
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Domain metrics
	approvalsDecided   *prometheus.CounterVec
	autoRestartStops   *prometheus.CounterVec
	resourcesIdle      *prometheus.GaugeVec
	estimatedSavings   *prometheus.GaugeVec
	notificationsDrops prometheus.Counter

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// longBuckets covers executions that wait on approvals and provider
// transitions for up to a few hours.
var longBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns, sub := cfg.Namespace, cfg.Subsystem
	labels := prometheus.Labels(cfg.ConstLabels)
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "executions_started_total",
				Help: "Total number of workflow executions started",
			},
			[]string{"workflow"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "executions_finished_total",
				Help: "Total number of workflow executions finished by terminal status",
			},
			[]string{"workflow", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name:    "execution_duration_seconds",
				Help:    "Wall clock duration of workflow executions",
				Buckets: longBuckets,
			},
			[]string{"workflow", "status"},
		),
		activeExecutions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "active_executions",
				Help: "Workflow executions currently running in this process",
			},
			[]string{"workflow"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name:    "step_duration_seconds",
				Help:    "Duration of executed (not replayed) workflow steps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		stepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "step_errors_total",
				Help: "Workflow steps that returned an error, by error class",
			},
			[]string{"workflow", "class"},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "driver_calls_total",
				Help: "Total number of resource driver calls",
			},
			[]string{"resource_type", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name:    "driver_call_duration_seconds",
				Help:    "Duration of resource driver calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource_type", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "driver_errors_total",
				Help: "Resource driver calls that failed, by error class",
			},
			[]string{"resource_type", "operation", "class"},
		),

		approvalsDecided: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "approvals_decided_total",
				Help: "Approval requests by final status",
			},
			[]string{"stage", "status"},
		),
		autoRestartStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "autorestart_restops_total",
				Help: "Database clusters stopped again after a platform auto-restart",
			},
			[]string{"stage", "outcome"},
		),
		resourcesIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "resources_idle",
				Help: "Managed resources whose latest recorded state is idle",
			},
			[]string{"stage"},
		),
		estimatedSavings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "estimated_monthly_savings_usd",
				Help: "Estimated monthly savings of the last teardown per stage",
			},
			[]string{"stage"},
		),
		notificationsDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns, Subsystem: sub, ConstLabels: labels,
				Name: "notifications_dropped_total",
				Help: "Notifications dropped because the dispatch buffer was full",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.activeExecutions,
		m.stepDuration,
		m.stepErrors,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.approvalsDecided,
		m.autoRestartStops,
		m.resourcesIdle,
		m.estimatedSavings,
		m.notificationsDrops,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ExecutionStarted implements engine.Observer.
func (m *Metrics) ExecutionStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.executionsStarted.WithLabelValues(workflow).Inc()
	m.activeExecutions.WithLabelValues(workflow).Inc()
}

// ExecutionFinished implements engine.Observer.
func (m *Metrics) ExecutionFinished(workflow string, status stores.ExecutionStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.executionsFinished.WithLabelValues(workflow, string(status)).Inc()
	m.executionDuration.WithLabelValues(workflow, string(status)).Observe(duration.Seconds())
	m.activeExecutions.WithLabelValues(workflow).Dec()
}

// StepFinished implements engine.Observer.
func (m *Metrics) StepFinished(workflow, _ string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	if err != nil {
		m.stepErrors.WithLabelValues(workflow, string(engine.ClassOf(err))).Inc()
	}
}

// RecordDriverCall records one provider call made through a resource driver.
func (m *Metrics) RecordDriverCall(resourceType, operation string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.driverCalls.WithLabelValues(resourceType, operation).Inc()
	m.driverDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
	if err != nil && !errors.Is(err, context.Canceled) {
		m.driverErrors.WithLabelValues(resourceType, operation, string(engine.ClassOf(err))).Inc()
	}
}

// RecordApproval records the final status of an approval request.
func (m *Metrics) RecordApproval(stage, status string) {
	if !m.enabled() {
		return
	}
	m.approvalsDecided.WithLabelValues(stage, status).Inc()
}

// RecordAutoRestartStop records the outcome of a re-stop after a
// platform initiated restart.
func (m *Metrics) RecordAutoRestartStop(stage, outcome string) {
	if !m.enabled() {
		return
	}
	m.autoRestartStops.WithLabelValues(stage, outcome).Inc()
}

// SetIdleResources sets the number of idle resources of a stage.
func (m *Metrics) SetIdleResources(stage string, count int) {
	if !m.enabled() {
		return
	}
	m.resourcesIdle.WithLabelValues(stage).Set(float64(count))
}

// SetEstimatedSavings records the monthly savings estimate of a teardown.
func (m *Metrics) SetEstimatedSavings(stage string, usd float64) {
	if !m.enabled() {
		return
	}
	m.estimatedSavings.WithLabelValues(stage).Set(usd)
}

// RecordNotificationDropped counts a notification the dispatcher discarded.
func (m *Metrics) RecordNotificationDropped() {
	if !m.enabled() {
		return
	}
	m.notificationsDrops.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint on its own listener until ctx is
// done. The API server mounts Handler instead when both run together.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	if !m.enabled() {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
}
