package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	invokes    *prometheus.HistogramVec
	rejections *prometheus.CounterVec
	sinkDrops  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ultralight",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method and result code.",
		}, []string{"method", "code"}),
		invokes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ultralight",
			Subsystem: "gateway",
			Name:      "invoke_duration_seconds",
			Help:      "Capability invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability", "success"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ultralight",
			Subsystem: "gateway",
			Name:      "rejections_total",
			Help:      "Requests rejected before dispatch, by reason.",
		}, []string{"reason"}),
		sinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ultralight",
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Best-effort tasks dropped because the queue was full.",
		}, []string{"task"}),
	}
	m.registry.MustRegister(
		m.requests, m.invokes, m.rejections, m.sinkDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SinkDropped matches sink.Config.OnDrop.
func (m *Metrics) SinkDropped(task string) {
	m.sinkDrops.WithLabelValues(task).Inc()
}

func (m *Metrics) request(method string, code int) {
	m.requests.WithLabelValues(method, codeLabel(code)).Inc()
}

func (m *Metrics) invoke(capability string, success bool, d time.Duration) {
	s := "false"
	if success {
		s = "true"
	}
	m.invokes.WithLabelValues(capability, s).Observe(d.Seconds())
}

func (m *Metrics) reject(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func codeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
