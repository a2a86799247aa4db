package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "dashboard"

// Operation results recorded on lifecycle_operations_total.
const (
	ResultStarted        = "started"
	ResultAlreadyRunning = "already_running"
	ResultSignalled      = "signalled"
	ResultNotSignalled   = "not_signalled"
	ResultNothingToStop  = "nothing_to_stop"
	ResultError          = "error"
)

// Collector owns the dashboard's Prometheus registry.
type Collector struct {
	operations   *prometheus.CounterVec
	exits        *prometheus.CounterVec
	urlsCaptured prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	namespace string
	registry  *prometheus.Registry
}

// NewCollector creates a collector with its own registry. An empty namespace
// means "dashboard".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Start and stop calls by process kind, action and result",
		},
		[]string{"kind", "action", "result"},
	)

	c.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Children spawned by this instance that have exited",
		},
		[]string{"kind"},
	)

	c.urlsCaptured = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_urls_captured_total",
			Help:      "Public tunnel URLs captured from helper output",
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and method",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	c.registry.MustRegister(
		c.operations,
		c.exits,
		c.urlsCaptured,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Operation records one start/stop call.
func (c *Collector) Operation(kind, action, result string) {
	c.operations.WithLabelValues(kind, action, result).Inc()
}

// Exit records a reaped child.
func (c *Collector) Exit(kind string) {
	c.exits.WithLabelValues(kind).Inc()
}

// URLCaptured records a captured tunnel URL.
func (c *Collector) URLCaptured() {
	c.urlsCaptured.Inc()
}

// HTTPRequest records a finished request. route is the route template, not
// the raw path, to keep label cardinality bounded.
func (c *Collector) HTTPRequest(route, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Gauge registers a gauge whose value is read from fn at scrape time. An
// empty namespace means the collector's own.
func (c *Collector) Gauge(namespace, name, help string, fn func() float64) {
	if namespace == "" {
		namespace = c.namespace
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
