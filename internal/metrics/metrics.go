// Package metrics exposes Prometheus collectors for the stealth core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stealth_admissions_total",
			Help: "Total admission decisions, labeled by target and decision.",
		},
		[]string{"target", "decision"},
	)

	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stealth_detections_total",
			Help: "Total detection signatures observed, labeled by target and signature.",
		},
		[]string{"target", "signature"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stealth_breaker_transitions_total",
			Help: "Total circuit breaker state transitions, labeled by target and new state.",
		},
		[]string{"target", "state"},
	)

	proxyAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stealth_proxy_acquisitions_total",
			Help: "Total proxy acquisition attempts, labeled by result.",
		},
		[]string{"result"},
	)

	proxyHealthPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stealth_proxy_pool_health_percent",
			Help: "Share of pool endpoints currently active, 0-100.",
		},
	)

	fetchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stealth_fetch_latency_seconds",
			Help:    "Histogram of governed fetch latencies, labeled by target.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)

	sessionRisk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stealth_session_risk_level",
			Help: "Current session risk level (0=low 1=medium 2=high 3=critical).",
		},
		[]string{"session"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stealth_active_sessions",
			Help: "Number of sessions currently open.",
		},
	)

	healthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stealth_proxy_health_probes_total",
			Help: "Total background proxy health probes, labeled by result.",
		},
		[]string{"result"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission records one admission decision.
func ObserveAdmission(target, decision string) {
	admissionsTotal.WithLabelValues(target, decision).Inc()
}

// ObserveDetection records one detection signature hit.
func ObserveDetection(target, signature string) {
	detectionsTotal.WithLabelValues(target, signature).Inc()
}

// ObserveBreakerTransition records a breaker state change.
func ObserveBreakerTransition(target, state string) {
	breakerTransitionsTotal.WithLabelValues(target, state).Inc()
}

// ObserveProxyAcquisition records a proxy acquisition attempt result.
func ObserveProxyAcquisition(result string) {
	proxyAcquisitionsTotal.WithLabelValues(result).Inc()
}

// SetProxyPoolHealth updates the pool health gauge.
func SetProxyPoolHealth(percent float64) {
	proxyHealthPercent.Set(percent)
}

// ObserveFetchLatency records the latency of one governed fetch.
func ObserveFetchLatency(target string, d time.Duration) {
	fetchLatencySeconds.WithLabelValues(target).Observe(d.Seconds())
}

// SetSessionRisk updates the risk gauge for a session.
func SetSessionRisk(session string, level int) {
	sessionRisk.WithLabelValues(session).Set(float64(level))
}

// DropSessionRisk removes the risk gauge series for a closed session.
func DropSessionRisk(session string) {
	sessionRisk.DeleteLabelValues(session)
}

// IncActiveSessions increments the open session gauge.
func IncActiveSessions() {
	activeSessions.Inc()
}

// DecActiveSessions decrements the open session gauge.
func DecActiveSessions() {
	activeSessions.Dec()
}

// ObserveHealthProbe records a background health probe result.
func ObserveHealthProbe(result string) {
	healthProbesTotal.WithLabelValues(result).Inc()
}
