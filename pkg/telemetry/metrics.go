package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for polemarch.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge
	historyLines       prometheus.Counter

	// Sync metrics
	syncs        *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec

	// Control plane metrics
	cancellations     *prometheus.CounterVec
	scheduleTriggers  *prometheus.CounterVec
	admissionDenials  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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
	// Ansible runs are long; widen the tail past the request-latency defaults.
	longBuckets := append(append([]float64{}, buckets...), 30, 60, 300, 900, 3600)

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Total number of executions started",
			},
			[]string{"kind", "initiator_type"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions that reached a terminal status",
			},
			[]string{"kind", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall clock duration of executions in seconds",
				Buckets:   longBuckets,
			},
			[]string{"kind", "status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of executions currently in DELAY or RUN",
			},
		),
		historyLines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_lines_total",
				Help:      "Total number of output lines recorded",
			},
		),

		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_total",
				Help:      "Total number of repository synchronizations",
			},
			[]string{"backend", "status"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of repository synchronizations in seconds",
				Buckets:   longBuckets,
			},
			[]string{"backend"},
		),

		cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cancellations_total",
				Help:      "Cancellation requests by outcome",
			},
			[]string{"outcome"},
		),
		scheduleTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_triggers_total",
				Help:      "Scheduler firings by result",
			},
			[]string{"type", "result"},
		),
		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Executions rejected by admission policy",
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.activeExecutions,
		m.historyLines,
		m.syncs,
		m.syncDuration,
		m.cancellations,
		m.scheduleTriggers,
		m.admissionDenials,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Execution Metrics

// RecordExecutionStarted counts a new execution record and bumps the active gauge.
func (m *Metrics) RecordExecutionStarted(kind, initiatorType string) {
	if m == nil || m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(kind, initiatorType).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionFinished records a terminal status and the time spent since start.
func (m *Metrics) RecordExecutionFinished(kind, status string, duration time.Duration) {
	if m == nil || m.executionsFinished == nil {
		return
	}
	m.executionsFinished.WithLabelValues(kind, status).Inc()
	m.executionDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordHistoryLines adds n to the recorded output line counter.
func (m *Metrics) RecordHistoryLines(n int) {
	if m == nil || m.historyLines == nil || n <= 0 {
		return
	}
	m.historyLines.Add(float64(n))
}

// Sync Metrics

// RecordSync records a finished synchronization.
func (m *Metrics) RecordSync(backend, status string, duration time.Duration) {
	if m == nil || m.syncs == nil {
		return
	}
	m.syncs.WithLabelValues(backend, status).Inc()
	m.syncDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Control Plane Metrics

// RecordCancellation records a cancel request. Outcome is "requested" or "observed".
func (m *Metrics) RecordCancellation(outcome string) {
	if m == nil || m.cancellations == nil {
		return
	}
	m.cancellations.WithLabelValues(outcome).Inc()
}

// RecordScheduleTrigger records a scheduler firing.
func (m *Metrics) RecordScheduleTrigger(scheduleType, result string) {
	if m == nil || m.scheduleTriggers == nil {
		return
	}
	m.scheduleTriggers.WithLabelValues(scheduleType, result).Inc()
}

// RecordAdmissionDenied records an execution rejected by policy.
func (m *Metrics) RecordAdmissionDenied(kind string) {
	if m == nil || m.admissionDenials == nil {
		return
	}
	m.admissionDenials.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, nil when metrics are disabled.
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server exposing metrics. The returned
// server is nil when metrics are disabled; callers shut it down on exit.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if m == nil || !m.config.Enabled {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server, nil
}
