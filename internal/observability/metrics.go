// File: internal/observability/metrics.go
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for task orchestration.
// Each Metrics owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	TurnsSent         prometheus.Counter
	ReconnectAttempts prometheus.Counter
	Steps             *prometheus.CounterVec
	TasksFinished     *prometheus.CounterVec
	TasksActive       prometheus.Gauge
	Resolutions       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TurnsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "turns_sent_total",
			Help:      "Outbound turns sent to the reasoning service.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "session_reconnect_attempts_total",
			Help:      "Reconnect attempts after transport loss.",
		}),
		Steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "steps_total",
			Help:      "Executed steps by action kind and outcome.",
		}, []string{"kind", "outcome"}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"status"}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskpilot",
			Name:      "tasks_active",
			Help:      "Tasks currently occupying a page context.",
		}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "resolutions_total",
			Help:      "Element resolutions by winning strategy.",
		}, []string{"strategy"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "http_requests_total",
			Help:      "Control API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskpilot",
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
