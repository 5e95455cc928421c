// Package metrics holds the hub's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub.
type Metrics struct {
	// Routing metrics
	MessagesRouted  *prometheus.CounterVec
	MessagesDenied  *prometheus.CounterVec
	MessagesLimited *prometheus.CounterVec
	RouteDuration   *prometheus.HistogramVec

	// Delivery metrics
	QueuedMessages *prometheus.CounterVec
	QueueDrains    prometheus.Counter
	Notifications  *prometheus.CounterVec

	// Gateway metrics
	ConnectedAgents *prometheus.GaugeVec
	FramesIn        *prometheus.CounterVec
}

// New creates and registers all hub metrics on reg; nil uses the default
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_messages_routed_total",
				Help: "Messages accepted by the router, by verb and status",
			},
			[]string{"action", "status"}, // status: delivered, queued, sent
		),

		MessagesDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_messages_denied_total",
				Help: "Messages rejected by access control or business rules",
			},
			[]string{"action"},
		),

		MessagesLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_messages_limited_total",
				Help: "Messages rejected by the rate limiter",
			},
			[]string{"action"},
		),

		RouteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_route_duration_seconds",
				Help:    "End-to-end router pipeline latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		QueuedMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_dm_queued_total",
				Help: "Direct messages written to the offline queue",
			},
			[]string{"fleet_id"},
		),

		QueueDrains: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_dm_queue_drains_total",
				Help: "Offline queue drains performed on agent join",
			},
		),

		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_notifications_total",
				Help: "Notifications raised, by type",
			},
			[]string{"type"},
		),

		ConnectedAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_connected_agents",
				Help: "Agents currently connected to this node, per fleet",
			},
			[]string{"fleet_id"},
		),

		FramesIn: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_frames_in_total",
				Help: "Inbound channel frames, by event",
			},
			[]string{"event"},
		),
	}
}

// RecordRouted records a successful route with its delivery status.
func (m *Metrics) RecordRouted(action, status string, seconds float64) {
	m.MessagesRouted.WithLabelValues(action, status).Inc()
	m.RouteDuration.WithLabelValues(action).Observe(seconds)
}

// RecordDenied records an access or rule denial.
func (m *Metrics) RecordDenied(action string) {
	m.MessagesDenied.WithLabelValues(action).Inc()
}

// RecordLimited records a rate-limit rejection.
func (m *Metrics) RecordLimited(action string) {
	m.MessagesLimited.WithLabelValues(action).Inc()
}
