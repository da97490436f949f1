// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	supervisorRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlctl_supervisor_restarts_total",
			Help: "Total crawler subprocess restarts, labeled by reason.",
		},
		[]string{"reason"},
	)

	supervisorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlctl_supervisor_runs_total",
			Help: "Total crawl runs finished, labeled by terminal status.",
		},
		[]string{"status"},
	)

	circuitBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlctl_circuit_breaker_open",
			Help: "1 when the supervisor circuit breaker is open, else 0.",
		},
	)

	eventsRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlctl_events_routed_total",
			Help: "Log events routed to per-run queues, labeled by category.",
		},
		[]string{"category"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlctl_events_dropped_total",
			Help: "Log events evicted from full notification queues.",
		},
	)

	notificationQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlctl_notification_queues",
			Help: "Current number of per-run notification queues.",
		},
	)

	listenerHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlctl_listener_healthy",
			Help: "1 when the event listener connection is healthy, else 0.",
		},
	)

	listenerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlctl_listener_reconnects_total",
			Help: "Reconnection attempts made by the event listener.",
		},
	)

	listenerQueueUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlctl_listener_queue_usage_percent",
			Help: "Notification channel queue usage as a percentage.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlctl_http_requests_total",
			Help: "Control API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlctl_http_request_duration_seconds",
			Help:    "Histogram of control API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRestart increments the restart counter for the given reason
// ("crash", "nonzero_exit", "throttled").
func ObserveRestart(reason string) {
	supervisorRestartsTotal.WithLabelValues(reason).Inc()
}

// ObserveRunFinished increments the run counter for a terminal status.
func ObserveRunFinished(status string) {
	supervisorRunsTotal.WithLabelValues(status).Inc()
}

// SetCircuitBreakerOpen records the breaker state.
func SetCircuitBreakerOpen(open bool) {
	if open {
		circuitBreakerOpen.Set(1)
		return
	}
	circuitBreakerOpen.Set(0)
}

// ObserveEventRouted increments the routed-event counter for a category.
func ObserveEventRouted(category string) {
	if category == "" {
		category = "UNKNOWN"
	}
	eventsRoutedTotal.WithLabelValues(category).Inc()
}

// ObserveEventDropped increments the dropped-event counter.
func ObserveEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetNotificationQueues records the live queue count.
func SetNotificationQueues(n int) {
	notificationQueues.Set(float64(n))
}

// SetListenerHealthy records the event listener's health.
func SetListenerHealthy(healthy bool) {
	if healthy {
		listenerHealthy.Set(1)
		return
	}
	listenerHealthy.Set(0)
}

// ObserveListenerReconnect increments the reconnect counter.
func ObserveListenerReconnect() {
	listenerReconnectsTotal.Inc()
}

// SetListenerQueueUsage records channel backpressure in [0,100].
func SetListenerQueueUsage(pct float64) {
	listenerQueueUsage.Set(pct)
}

// ObserveHTTPRequest increments the control API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
