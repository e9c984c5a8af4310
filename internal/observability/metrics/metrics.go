// Package metrics exposes Prometheus collectors for the escrow daemon:
// HTTP traffic, ledger actions, event publication, notifications and a
// task-count gauge sampled from the ledger on every scrape.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentTaskEscrow/internal/errors"
)

const namespace = "escrow"

// ResultOK labels a successful operation.
const ResultOK = "OK"

// Registry bundles a Prometheus registry with the collectors used by the daemon.
type Registry struct {
	reg *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpErrors    *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	actions       *prometheus.CounterVec
	events        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// New creates a registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Ledger actions by kind and result code.",
		}, []string{"kind", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Lifecycle events handed to the event queue.",
		}, []string{"type", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by notifier and result.",
		}, []string{"notifier", "result"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpErrors,
		r.httpLatency,
		r.actions,
		r.events,
		r.notifications,
	)
	return r
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAction counts a ledger action. Failures are labelled with their error code.
func (r *Registry) ObserveAction(kind string, err error) {
	r.actions.WithLabelValues(kind, resultOf(err)).Inc()
}

// ObserveEvent counts an event publication attempt.
func (r *Registry) ObserveEvent(eventType string, err error) {
	r.events.WithLabelValues(eventType, resultOf(err)).Inc()
}

// ObserveNotification counts a notification delivery attempt.
func (r *Registry) ObserveNotification(notifier string, err error) {
	r.notifications.WithLabelValues(notifier, resultOf(err)).Inc()
}

// RegisterTaskGauge exposes escrow_tasks{status} sampled from fn at scrape time.
func (r *Registry) RegisterTaskGauge(fn func() map[string]int) error {
	return r.reg.Register(&taskCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Number of escrow tasks by status.",
			[]string{"status"}, nil,
		),
		sample: fn,
	})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a request against the default registry.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.ObserveHTTPRequest(handler, method, status, duration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}

func resultOf(err error) string {
	if err == nil {
		return ResultOK
	}
	return string(xerrors.CodeOf(err))
}

type taskCollector struct {
	desc   *prometheus.Desc
	sample func() map[string]int
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	for status, count := range c.sample() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), status)
	}
}
