package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for convergence runs.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	resourcesConverged *prometheus.CounterVec
	resourceDuration   *prometheus.HistogramVec

	notificationsFired *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all record methods are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "mariner"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of convergence runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of convergence runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		resourcesConverged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_converged_total",
				Help:      "Total number of resource applies by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_apply_duration_seconds",
				Help:      "Duration of individual resource applies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		notificationsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_fired_total",
				Help:      "Total number of cross-resource notifications fired",
			},
			[]string{"timing"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.resourcesConverged,
		m.resourceDuration,
		m.notificationsFired,
	)

	return m
}

// RecordRunStarted increments the started-run counter.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its final status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordResource records the outcome of a single resource apply.
func (m *Metrics) RecordResource(kind, outcome string, duration time.Duration) {
	if m.resourcesConverged == nil {
		return
	}
	m.resourcesConverged.WithLabelValues(kind, outcome).Inc()
	m.resourceDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordNotification records a fired notification by timing.
func (m *Metrics) RecordNotification(timing string) {
	if m.notificationsFired == nil {
		return
	}
	m.notificationsFired.WithLabelValues(timing).Inc()
}

// Serve starts the metrics HTTP endpoint. It returns immediately; the
// listener runs until Shutdown is called.
func (m *Metrics) Serve() error {
	if !m.config.Enabled || m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		// ErrServerClosed is the normal shutdown path.
		_ = m.server.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the metrics HTTP endpoint.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
