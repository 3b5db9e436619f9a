// Package metrics exposes Prometheus collectors for the orchestrator:
// admission outcomes, execution throughput/latency, and live session
// resource usage.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every Prometheus collector the orchestrator registers.
type Metrics struct {
	ExecutionsTotal        *prometheus.CounterVec
	ExecutionsSuccessTotal *prometheus.CounterVec
	ExecutionsErrorTotal   *prometheus.CounterVec
	ExecutionDuration      *prometheus.HistogramVec

	RateLimitedTotal   *prometheus.CounterVec
	AnalysisBlockedTotal *prometheus.CounterVec

	SessionsCreatedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge
	SessionMemoryUsageMB *prometheus.GaugeVec
	SessionCPUUsage      *prometheus.GaugeVec

	PackageInstallsTotal *prometheus.CounterVec

	StartupTime prometheus.Gauge
}

// Get returns the process-wide Metrics singleton, registering collectors on
// first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "executions_total",
			Help:      "Total number of code executions admitted, by language",
		},
		[]string{"language"},
	)

	m.ExecutionsSuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "executions_success_total",
			Help:      "Total number of executions that completed with exit code 0",
		},
		[]string{"language"},
	)

	m.ExecutionsErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "executions_error_total",
			Help:      "Total number of executions that errored, timed out, or were killed",
		},
		[]string{"language", "status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cage",
			Name:      "execution_duration_seconds",
			Help:      "Execution wall-clock duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"user_id"},
	)

	m.AnalysisBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "analysis_blocked_total",
			Help:      "Total number of submissions blocked by the static analyzer",
		},
		[]string{"language", "category"},
	)

	m.SessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "sessions_created_total",
			Help:      "Total number of sandbox sessions created, by language",
		},
		[]string{"language"},
	)

	m.SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cage",
			Name:      "active_sessions",
			Help:      "Current number of live sandbox sessions",
		},
	)

	m.SessionMemoryUsageMB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cage",
			Name:      "memory_usage_mb",
			Help:      "Per-session container memory usage in megabytes",
		},
		[]string{"user_id"},
	)

	m.SessionCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cage",
			Name:      "cpu_usage_percent",
			Help:      "Per-session container CPU usage percentage",
		},
		[]string{"user_id"},
	)

	m.PackageInstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cage",
			Name:      "package_installs_total",
			Help:      "Total number of in-container package installs, by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cage",
			Name:      "startup_timestamp",
			Help:      "Orchestrator process startup timestamp",
		},
	)
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordExecution records an execution's terminal outcome and duration.
func (m *Metrics) RecordExecution(language, status string, exitCode *int, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())

	if status == "success" && exitCode != nil && *exitCode == 0 {
		m.ExecutionsSuccessTotal.WithLabelValues(language).Inc()
	} else {
		m.ExecutionsErrorTotal.WithLabelValues(language, status).Inc()
	}
}

// RecordRateLimited records a denial from the admission rate limiter.
func (m *Metrics) RecordRateLimited(userID string) {
	m.RateLimitedTotal.WithLabelValues(userID).Inc()
}

// RecordAnalysisBlocked records a denial from the static analyzer.
func (m *Metrics) RecordAnalysisBlocked(language, category string) {
	m.AnalysisBlockedTotal.WithLabelValues(language, category).Inc()
}

// RecordSessionCreated records a new session and updates the active gauge.
func (m *Metrics) RecordSessionCreated(language string) {
	m.SessionsCreatedTotal.WithLabelValues(language).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionTerminated decrements the active session gauge.
func (m *Metrics) RecordSessionTerminated() {
	m.SessionsActive.Dec()
}

// UpdateSessionUsage records a point-in-time resource sample for a user's
// container.
func (m *Metrics) UpdateSessionUsage(userID string, cpuPercent, memoryMB float64) {
	m.SessionCPUUsage.WithLabelValues(userID).Set(cpuPercent)
	m.SessionMemoryUsageMB.WithLabelValues(userID).Set(memoryMB)
}

// ClearSessionUsage removes a terminated session's gauges so they stop
// reporting a stale last value.
func (m *Metrics) ClearSessionUsage(userID string) {
	m.SessionCPUUsage.DeleteLabelValues(userID)
	m.SessionMemoryUsageMB.DeleteLabelValues(userID)
}

// RecordPackageInstall records a package install attempt's outcome.
func (m *Metrics) RecordPackageInstall(language, outcome string) {
	m.PackageInstallsTotal.WithLabelValues(language, outcome).Inc()
}
