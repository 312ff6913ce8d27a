// Package metrics provides Prometheus collectors for the relay and its HTTP surface.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_relay"

// Delivery outcomes.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Deliveries     *prometheus.CounterVec
	FanoutDuration *prometheus.HistogramVec
	LiveSessions   prometheus.Gauge
	AuthFailures   prometheus.Counter
	CallSignals    *prometheus.CounterVec
	TypingUpdates  prometheus.Counter
	Frames         *prometheus.CounterVec
	BridgeMessages *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   prometheus.Histogram
	EvictedKeys    prometheus.Counter
	CollectedCalls prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-session envelope deliveries by outcome",
		}, []string{"target", "result"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time to fan one envelope out to its target sessions",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"target"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Registered sessions on this instance",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts",
		}),
		CallSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_signals_total",
			Help:      "Call signals by action and outcome",
		}, []string{"action", "result"}),
		TypingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_updates_total",
			Help:      "Typing indicator updates",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound client frames by action and outcome",
		}, []string{"action", "result"}),
		BridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Cross-instance relay messages by direction",
		}, []string{"direction"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by status code",
		}, []string{"code"}),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 1.0, 3.0, 5.0, 7.0, 10.0},
		}),
		EvictedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ephemeral_evicted_keys_total",
			Help:      "Expired keys removed by the background sweep",
		}),
		CollectedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_collected_total",
			Help:      "Call records removed by the janitor",
		}),
	}
	m.reg.MustRegister(
		m.Deliveries, m.FanoutDuration, m.LiveSessions, m.AuthFailures,
		m.CallSignals, m.TypingUpdates, m.Frames, m.BridgeMessages,
		m.HTTPRequests, m.HTTPDuration, m.EvictedKeys, m.CollectedCalls,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// AddCustomMetric registers an extra collector.
func (m *Metrics) AddCustomMetric(c prometheus.Collector) {
	m.reg.MustRegister(c)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// HTTPMiddleware returns a chi-compatible middleware that tracks request counts and latency.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			m.HTTPDuration.Observe(time.Since(start).Seconds())
			m.HTTPRequests.WithLabelValues(strconv.Itoa(rw.statusCode)).Inc()
		})
	}
}

// responseWriter captures the status code and forwards Hijack.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
