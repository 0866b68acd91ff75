// Package metrics holds the Prometheus collectors for the standup server.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "standup"

// Metrics is the set of collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated   prometheus.Counter
	joins             *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	wsConnections     prometheus.Gauge
	codesSent         prometheus.Counter
	codeVerifications *prometheus.CounterVec
	upstreamFailures  *prometheus.CounterVec
	sweptKeys         prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New builds and registers every collector, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_joins_total",
			Help: "Join attempts by outcome.",
		}, []string{"outcome"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "participant_status_transitions_total",
			Help: "Applied participant status transitions by target status.",
		}, []string{"status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_events_published_total",
			Help: "Events handed to the broadcaster by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_events_dropped_total",
			Help: "Events dropped under backpressure by stage.",
		}, []string{"stage"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open WebSocket connections.",
		}),
		codesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "verification_codes_sent_total",
			Help: "Verification codes issued.",
		}),
		codeVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verification_attempts_total",
			Help: "Verification code checks by outcome.",
		}, []string{"outcome"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_failures_total",
			Help: "Upstream calls that exhausted their retries, by operation.",
		}, []string{"op"}),
		sweptKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_swept_keys_total",
			Help: "Expired keys removed by the sweeper.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated,
		m.joins,
		m.statusTransitions,
		m.eventsPublished,
		m.eventsDropped,
		m.wsConnections,
		m.codesSent,
		m.codeVerifications,
		m.upstreamFailures,
		m.sweptKeys,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// Join records a join attempt. outcome is "added", "rejoined", "existing" or an error code.
func (m *Metrics) Join(outcome string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StatusTransition(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped records a dropped event. stage is "relay" or "client".
func (m *Metrics) EventDropped(stage string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(stage).Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) CodeSent() {
	if m == nil {
		return
	}
	m.codesSent.Inc()
}

func (m *Metrics) CodeVerification(outcome string) {
	if m == nil {
		return
	}
	m.codeVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamFailure(op string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptKeys.Add(float64(n))
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
