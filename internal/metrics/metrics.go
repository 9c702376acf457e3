// Package metrics provides Prometheus metrics for the sync agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CacheLookups       *prometheus.CounterVec
	CacheWriteFailures prometheus.Counter
	QueueDepth         prometheus.Gauge
	QueueActions       *prometheus.CounterVec
	ChannelConnected   prometheus.Gauge
	ChannelReconnects  prometheus.Counter
	ChannelEvents      *prometheus.CounterVec
	RenewalsScheduled  *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_cache_lookups_total",
				Help: "Cache lookups by result (hit, miss, expired, corrupt).",
			},
			[]string{"result"},
		),
		CacheWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "domainsync_cache_write_failures_total",
				Help: "Cache writes the backing store rejected.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "domainsync_queue_depth",
				Help: "Actions waiting in the offline queue.",
			},
		),
		QueueActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_queue_actions_total",
				Help: "Queued actions by kind and result (enqueued, executed, failed, dropped).",
			},
			[]string{"action", "result"},
		),
		ChannelConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "domainsync_channel_connected",
				Help: "1 while the real-time channel is connected.",
			},
		),
		ChannelReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "domainsync_channel_reconnect_attempts_total",
				Help: "Scheduled reconnect attempts.",
			},
		),
		ChannelEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_channel_events_total",
				Help: "Inbound channel frames by channel and type.",
			},
			[]string{"channel", "type"},
		),
		RenewalsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_renewals_scheduled_total",
				Help: "Certificate renewals scheduled by delay.",
			},
			[]string{"delay"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_notifications_total",
				Help: "User notifications by severity.",
			},
			[]string{"severity"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domainsync_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "domainsync_remote_request_duration_seconds",
				Help:    "Admin API call duration by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.CacheLookups,
		m.CacheWriteFailures,
		m.QueueDepth,
		m.QueueActions,
		m.ChannelConnected,
		m.ChannelReconnects,
		m.ChannelEvents,
		m.RenewalsScheduled,
		m.Notifications,
		m.ErrorsTotal,
		m.RequestDuration,
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCacheLookup counts a cache read.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWriteFailure counts a rejected cache write.
func (m *Metrics) RecordCacheWriteFailure() {
	if m == nil {
		return
	}
	m.CacheWriteFailures.Inc()
}

// SetQueueDepth sets the queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordQueueAction counts a queue transition for an action kind.
func (m *Metrics) RecordQueueAction(action, result string) {
	if m == nil {
		return
	}
	m.QueueActions.WithLabelValues(action, result).Inc()
}

// SetChannelConnected flips the connection gauge.
func (m *Metrics) SetChannelConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ChannelConnected.Set(1)
	} else {
		m.ChannelConnected.Set(0)
	}
}

// RecordReconnectAttempt counts a scheduled reconnect.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ChannelReconnects.Inc()
}

// RecordChannelEvent counts an inbound frame.
func (m *Metrics) RecordChannelEvent(channel, frameType string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(channel, frameType).Inc()
}

// RecordRenewalScheduled counts a renewal by its delay label.
func (m *Metrics) RecordRenewalScheduled(delay string) {
	if m == nil {
		return
	}
	m.RenewalsScheduled.WithLabelValues(delay).Inc()
}

// RecordNotification counts a notification.
func (m *Metrics) RecordNotification(severity string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(severity).Inc()
}

// ObserveDuration records the duration of an admin API call.
func (m *Metrics) ObserveDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
