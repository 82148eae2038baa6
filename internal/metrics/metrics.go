// Package metrics exposes the service's prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bypassd"

type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	pending       prometheus.Gauge
	casConflicts  prometheus.Counter
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	dropped       prometheus.Counter
	expired       prometheus.Counter
	reminders     prometheus.Counter
	httpRequests  *prometheus.CounterVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Workflow transitions by operation and result.",
		}, []string{"op", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_pending",
			Help:      "Pending workflows created minus those completed by this process.",
		}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "Compare-and-swap conflicts on workflow version.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Messages waiting in the notification queue.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications left for the recovery loop because the queue was full.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_expired_total",
			Help:      "Expiry transitions applied by the scheduler.",
		}),
		reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_reminders_total",
			Help:      "Reminders recorded by the scheduler.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.transitions, m.pending, m.casConflicts, m.notifications,
		m.queueDepth, m.dropped, m.expired, m.reminders, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) Transition(op, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) PendingDelta(d int) {
	if m == nil || d == 0 {
		return
	}
	m.pending.Add(float64(d))
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *Metrics) Reminder() {
	if m == nil {
		return
	}
	m.reminders.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
