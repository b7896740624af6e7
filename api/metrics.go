package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. Broadcast delivery is
// best-effort by design, so the skip counter is the only visibility into
// dropped fan-out sends.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	BroadcastSkips    prometheus.Counter
	SheetResyncs      prometheus.Counter
}

// NewMetrics creates and registers the relay collectors. Tests pass a
// fresh prometheus.NewRegistry so parallel hubs don't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridsync_active_sessions",
			Help: "Number of live sheet sessions.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridsync_active_connections",
			Help: "Number of open websocket connections.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_connections_opened_total",
			Help: "Total websocket connections admitted.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_messages_received_total",
			Help: "Inbound messages by type.",
		}, []string{"type"}),
		BroadcastSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_broadcast_skips_total",
			Help: "Fan-out sends skipped because a connection could not accept delivery.",
		}),
		SheetResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_sheet_resyncs_total",
			Help: "SYNC_SHEET snapshots that replaced a non-empty document cache.",
		}),
	}
	reg.MustRegister(
		m.ActiveSessions,
		m.ActiveConnections,
		m.ConnectionsOpened,
		m.MessagesReceived,
		m.BroadcastSkips,
		m.SheetResyncs,
	)
	return m
}
