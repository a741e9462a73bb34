// Package metrics exposes Prometheus instrumentation for connections,
// invocations, streams and broadcasts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "echorelay"

// Metrics holds the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	Invocations       *prometheus.CounterVec
	StreamItems       prometheus.Counter
	RateLimited       prometheus.Counter
	BroadcastSends    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of registered WebSocket connections.",
		}, []string{"mode"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of WebSocket connections by outcome.",
		}, []string{"mode", "outcome"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Total number of frames received by kind.",
		}, []string{"mode", "kind"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "invocations_total",
			Help:      "Total number of hub invocations by target and outcome.",
		}, []string{"target", "outcome"}),
		StreamItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "stream_items_total",
			Help:      "Total number of stream items sent.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rate_limited_total",
			Help:      "Total number of messages rejected by the per-connection rate limit.",
		}),
		BroadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "sends_total",
			Help:      "Total number of per-connection broadcast sends by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.Invocations,
		m.StreamItems,
		m.RateLimited,
		m.BroadcastSends,
	)
	return m
}

// ConnectionOpened records a newly registered connection.
func (m *Metrics) ConnectionOpened(mode string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Inc()
	m.ConnectionsTotal.WithLabelValues(mode, "accepted").Inc()
}

// ConnectionClosed records a deregistered connection.
func (m *Metrics) ConnectionClosed(mode string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(mode).Dec()
}

// ConnectionRejected records a connection refused before registration.
func (m *Metrics) ConnectionRejected(mode, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(mode, reason).Inc()
}

// MessageReceived counts an inbound frame.
func (m *Metrics) MessageReceived(mode, kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(mode, kind).Inc()
}

// Invocation counts a hub invocation outcome.
func (m *Metrics) Invocation(target, outcome string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(target, outcome).Inc()
}

// StreamItem counts one emitted stream item.
func (m *Metrics) StreamItem() {
	if m == nil {
		return
	}
	m.StreamItems.Inc()
}

// RateLimitHit counts one rate limited message.
func (m *Metrics) RateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// BroadcastSend counts one broadcast send attempt.
func (m *Metrics) BroadcastSend(ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.BroadcastSends.WithLabelValues(outcome).Inc()
}
