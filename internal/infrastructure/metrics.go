package infrastructure

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dlhauer/zulip/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "zulip"

// Metrics owns the Prometheus registry and every instrument the service
// emits. It doubles as the queue client's activity observer.
type Metrics struct {
	registry *prometheus.Registry

	messagesPublished *prometheus.CounterVec
	messagesConsumed  *prometheus.CounterVec
	queueReconnects   prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ queue.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_messages_published_total",
			Help:      "Messages published per queue.",
		}, []string{"queue"}),
		messagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_messages_consumed_total",
			Help:      "Messages consumed per queue and settlement outcome.",
		}, []string{"queue", "outcome"}),
		queueReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_reconnects_total",
			Help:      "Times the broker connection was re-established.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests per method, path and status code.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesPublished,
		m.messagesConsumed,
		m.queueReconnects,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

func (m *Metrics) MessagePublished(queueName string) {
	m.messagesPublished.WithLabelValues(queueName).Inc()
}

func (m *Metrics) MessageConsumed(queueName string, acked bool) {
	outcome := "acked"
	if !acked {
		outcome = "nacked"
	}

	m.messagesConsumed.WithLabelValues(queueName, outcome).Inc()
}

func (m *Metrics) Reconnected() {
	m.queueReconnects.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
