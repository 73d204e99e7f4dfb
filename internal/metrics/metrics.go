package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func (m *ServerMetrics) Observe(handler, status string, d time.Duration) {
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(d.Milliseconds()))
}

// GatewayMetrics implements payment.Observer.
type GatewayMetrics struct {
	Calls     *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	Breaker   *prometheus.GaugeVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment_gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment_gateway",
		Name:      "call_duration_ms",
		Help:      "Payment gateway call latency in milliseconds, retries included.",
		Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"op"})
	breaker := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "payment_gateway",
		Name:      "breaker_state",
		Help:      "1 for the current circuit breaker state, 0 otherwise.",
	}, []string{"state"})

	reg.MustRegister(calls, latency, breaker)
	g := &GatewayMetrics{Calls: calls, LatencyMS: latency, Breaker: breaker}
	g.BreakerStateChanged("closed")
	return g
}

func (g *GatewayMetrics) ObserveGatewayCall(op, outcome string, d time.Duration) {
	g.Calls.WithLabelValues(op, outcome).Inc()
	g.LatencyMS.WithLabelValues(op).Observe(float64(d.Milliseconds()))
}

func (g *GatewayMetrics) BreakerStateChanged(to string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == to {
			v = 1
		}
		g.Breaker.WithLabelValues(s).Set(v)
	}
}

// OutboxMetrics tracks the relay in the worker.
type OutboxMetrics struct {
	Published prometheus.Counter
	Failed    prometheus.Counter
	Pending   prometheus.Gauge
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	m := &OutboxMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "published_total",
			Help: "Outbox events published to Kafka.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "publish_failures_total",
			Help: "Outbox publish attempts that failed.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "batch_size",
			Help: "Size of the last fetched outbox batch.",
		}),
	}
	reg.MustRegister(m.Published, m.Failed, m.Pending)
	return m
}

func (m *OutboxMetrics) ObserveBatch(fetched, published, failed int) {
	m.Pending.Set(float64(fetched))
	m.Published.Add(float64(published))
	m.Failed.Add(float64(failed))
}

// ProjectorMetrics counts consumed events by type and result.
type ProjectorMetrics struct {
	Events *prometheus.CounterVec
}

func NewProjectorMetrics(reg prometheus.Registerer) *ProjectorMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projector",
		Name:      "events_total",
		Help:      "Order events handled by the status projector.",
	}, []string{"event_type", "result"})
	reg.MustRegister(events)
	return &ProjectorMetrics{Events: events}
}

func (m *ProjectorMetrics) ObserveEvent(eventType, result string) {
	m.Events.WithLabelValues(eventType, result).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
