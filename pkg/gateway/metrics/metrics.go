// Package metrics exposes Prometheus counters for the HTTP surface and the
// practice sockets.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	PracticeSessionsActive  prometheus.Gauge
	PracticeSessionsTotal   *prometheus.CounterVec
	PracticeSessionDuration prometheus.Histogram
	PracticeAudioBytesTotal prometheus.Counter
	PracticeTurnsTotal      *prometheus.CounterVec
	RateLimitHits           *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sationly"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "practice_sessions_active",
			Help:      "Number of open practice sockets",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "practice_sessions_total",
			Help:      "Practice sockets by how they ended",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "practice_session_duration_seconds",
			Help:      "Practice socket lifetime in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
		},
	)

	audioBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "practice_audio_bytes_total",
			Help:      "Audio bytes received on practice sockets",
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "practice_turns_total",
			Help:      "Analyzed practice turns by result",
		},
		[]string{"result"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytes,
		turnsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:                registry,
		RequestsTotal:           requestsTotal,
		RequestDuration:         requestDuration,
		PracticeSessionsActive:  sessionsActive,
		PracticeSessionsTotal:   sessionsTotal,
		PracticeSessionDuration: sessionDuration,
		PracticeAudioBytesTotal: audioBytes,
		PracticeTurnsTotal:      turnsTotal,
		RateLimitHits:           rateLimitHits,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordPracticeSessionStart() {
	if m == nil {
		return
	}
	m.PracticeSessionsActive.Inc()
}

func (m *Metrics) RecordPracticeSessionEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PracticeSessionsActive.Dec()
	m.PracticeSessionsTotal.WithLabelValues(outcome).Inc()
	m.PracticeSessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordPracticeAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.PracticeAudioBytesTotal.Add(float64(bytes))
}

// RecordTurn counts a turn result: "ok" or "failed".
func (m *Metrics) RecordTurn(result string) {
	if m == nil {
		return
	}
	m.PracticeTurnsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// Route collapses a request path onto a fixed label set so unknown paths
// cannot grow the series count.
func Route(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics",
		"/api/sessions", "/api/tier",
		"/api/create-checkout-session", "/api/verify-checkout-session",
		"/api/create-tier1-subscription", "/api/stripe-webhook",
		"/v1/environments", "/v1/practice":
		return path
	default:
		return "other"
	}
}
