package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for update stages. A nil *Metrics and
// a disabled instance both ignore every Record call.
type Metrics struct {
	config MetricsConfig

	// Step metrics
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Validation metrics
	validationResults *prometheus.CounterVec
	validationRuns    *prometheus.CounterVec

	// Lock and failure metrics
	lockConflicts   prometheus.Counter
	lockForceClears prometheus.Counter
	failureMarkers  *prometheus.CounterVec
	errorsByCode    *prometheus.CounterVec

	// Release feed metrics
	feedRequests *prometheus.CounterVec

	activeStages prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_steps_total",
				Help:      "Total number of orchestrator steps by outcome",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_step_duration_seconds",
				Help:      "Duration of orchestrator steps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		validationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_results_total",
				Help:      "Validator results by severity",
			},
			[]string{"validator", "severity"},
		),
		validationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_runs_total",
				Help:      "Validation pipeline runs by overall severity",
			},
			[]string{"mode", "severity"},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_lock_conflicts_total",
				Help:      "Lock acquisitions refused because another owner held the lock",
			},
		),
		lockForceClears: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_lock_force_clears_total",
				Help:      "Operator forced lock clears",
			},
		),
		failureMarkers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failure_markers_written_total",
				Help:      "Failure markers written by operation",
			},
			[]string{"operation"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		feedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_feed_requests_total",
				Help:      "Release feed lookups by source and outcome",
			},
			[]string{"source", "status"},
		),
		activeStages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_stages",
				Help:      "Stages begun and not yet cleaned or cancelled by this process",
			},
		),
	}

	registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.validationResults,
		m.validationRuns,
		m.lockConflicts,
		m.lockForceClears,
		m.failureMarkers,
		m.errorsByCode,
		m.feedRequests,
		m.activeStages,
	)

	return m, nil
}

// RecordStep records one orchestrator step with its outcome and duration.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if m == nil || m.stepsTotal == nil {
		return
	}
	m.stepsTotal.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordValidationResult counts one validator result.
func (m *Metrics) RecordValidationResult(validator, severity string) {
	if m == nil || m.validationResults == nil {
		return
	}
	m.validationResults.WithLabelValues(validator, severity).Inc()
}

// RecordValidationRun counts one pipeline run by its overall severity.
func (m *Metrics) RecordValidationRun(mode, severity string) {
	if m == nil || m.validationRuns == nil {
		return
	}
	m.validationRuns.WithLabelValues(mode, severity).Inc()
}

// RecordLockConflict counts a refused acquisition.
func (m *Metrics) RecordLockConflict() {
	if m == nil || m.lockConflicts == nil {
		return
	}
	m.lockConflicts.Inc()
}

// RecordLockForceClear counts an operator forced clear.
func (m *Metrics) RecordLockForceClear() {
	if m == nil || m.lockForceClears == nil {
		return
	}
	m.lockForceClears.Inc()
}

// RecordFailureMarker counts a written failure marker.
func (m *Metrics) RecordFailureMarker(operation string) {
	if m == nil || m.failureMarkers == nil {
		return
	}
	m.failureMarkers.WithLabelValues(operation).Inc()
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// RecordFeedRequest counts a release feed lookup.
func (m *Metrics) RecordFeedRequest(source, status string) {
	if m == nil || m.feedRequests == nil {
		return
	}
	m.feedRequests.WithLabelValues(source, status).Inc()
}

// StageStarted increments the active stage gauge.
func (m *Metrics) StageStarted() {
	if m == nil || m.activeStages == nil {
		return
	}
	m.activeStages.Inc()
}

// StageFinished decrements the active stage gauge.
func (m *Metrics) StageFinished() {
	if m == nil || m.activeStages == nil {
		return
	}
	m.activeStages.Dec()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured address. It returns
// immediately; serve errors are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
