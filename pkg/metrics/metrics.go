package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apns"

// Metrics holds the push service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	consumed         prometheus.Counter
	delivered        prometheus.Counter
	failed           *prometheus.CounterVec
	groups           prometheus.Counter
	groupDuration    prometheus.Histogram
	connectionErrors prometheus.Counter
	suppressed       prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_consumed_total",
			Help:      "Envelopes taken off the push queue.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notifications accepted by the gateway.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications rejected by the gateway, by reason.",
		}, []string{"reason"}),
		groups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_total",
			Help:      "Groups pushed over their own gateway session.",
		}),
		groupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_duration_seconds",
			Help:      "Time from session open to the last response of a group.",
			Buckets:   prometheus.DefBuckets,
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Gateway sessions that could not be opened.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_suppressed_total",
			Help:      "Device tokens suppressed after a fatal gateway reason.",
		}),
	}
	m.registry.MustRegister(
		m.consumed,
		m.delivered,
		m.failed,
		m.groups,
		m.groupDuration,
		m.connectionErrors,
		m.suppressed,
	)
	return m
}

// The recorders below accept a nil receiver so metrics stay optional.

func (m *Metrics) IncConsumed() {
	if m != nil {
		m.consumed.Inc()
	}
}

func (m *Metrics) AddDelivered(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) IncFailed(reason string) {
	if m != nil {
		m.failed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveGroup(d time.Duration) {
	if m != nil {
		m.groups.Inc()
		m.groupDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncConnectionErrors() {
	if m != nil {
		m.connectionErrors.Inc()
	}
}

func (m *Metrics) IncSuppressed() {
	if m != nil {
		m.suppressed.Inc()
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
