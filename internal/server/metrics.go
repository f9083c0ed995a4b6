package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus instruments exported on /metrics.
type metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	trackingLookups *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

func newMetrics(activeSims, queueDepth func() float64) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signment",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signment",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signment",
			Name:      "websocket_clients",
			Help:      "Currently connected websocket clients.",
		}),
		trackingLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signment",
			Name:      "tracking_lookups_total",
			Help:      "Tracking lookups by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signment",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP rate limiter.",
		}),
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "signment",
			Name:      "active_simulations",
			Help:      "Currently running shipment simulations.",
		}, activeSims),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "signment",
			Name:      "notification_queue_depth",
			Help:      "Entries waiting in the notification queue.",
		}, queueDepth),
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.trackingLookups,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observe(route string, code int, seconds float64) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}
