package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioner.
// A nil *Metrics and a disabled one are both safe to call.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsSubmitted *prometheus.CounterVec
	jobsRejected  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge

	// Stage metrics
	stageDuration *prometheus.HistogramVec

	// Destroy and reaper metrics
	loadBalancersRemoved prometheus.Counter
	reaped               *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.StageBuckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(1, 2.5, 10)
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs accepted",
			},
			[]string{"mode"},
		),
		jobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rejected_total",
				Help:      "Total number of submissions rejected before a job was created",
			},
			[]string{"mode", "code"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs that reached a terminal phase",
			},
			[]string{"mode", "phase", "code"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall-clock duration of jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "phase"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of pending or running jobs",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of workflow stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "result"},
		),
		loadBalancersRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_balancers_removed_total",
				Help:      "Total number of load-balancer exposures removed before destroy",
			},
		),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaped_total",
				Help:      "Total number of records reclaimed by the reaper",
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of gateway requests",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of gateway requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.jobsSubmitted,
		m.jobsRejected,
		m.jobsCompleted,
		m.jobDuration,
		m.activeJobs,
		m.stageDuration,
		m.loadBalancersRemoved,
		m.reaped,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Job Metrics

// RecordJobSubmitted counts an accepted job.
func (m *Metrics) RecordJobSubmitted(mode string) {
	if !m.enabled() {
		return
	}
	m.jobsSubmitted.WithLabelValues(mode).Inc()
	m.activeJobs.Inc()
}

// RecordJobRejected counts a submission rejected with an error code.
func (m *Metrics) RecordJobRejected(mode, code string) {
	if !m.enabled() {
		return
	}
	m.jobsRejected.WithLabelValues(mode, code).Inc()
}

// RecordJobCompleted records a terminal job with its duration.
func (m *Metrics) RecordJobCompleted(mode, phase, code string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsCompleted.WithLabelValues(mode, phase, code).Inc()
	m.jobDuration.WithLabelValues(mode, phase).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// SetActiveJobs sets the active job gauge, used after startup recovery.
func (m *Metrics) SetActiveJobs(count float64) {
	if !m.enabled() {
		return
	}
	m.activeJobs.Set(count)
}

// Stage Metrics

// RecordStage records the duration of one workflow stage.
func (m *Metrics) RecordStage(stage, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(duration.Seconds())
}

// RecordLoadBalancersRemoved counts exposures removed before destroy.
func (m *Metrics) RecordLoadBalancersRemoved(count int) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.loadBalancersRemoved.Add(float64(count))
}

// RecordReaped counts records removed by the reaper by kind (job, partition).
func (m *Metrics) RecordReaped(kind string, count int) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.reaped.WithLabelValues(kind).Add(float64(count))
}

// HTTP Metrics

// RecordHTTPRequest records a gateway request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
