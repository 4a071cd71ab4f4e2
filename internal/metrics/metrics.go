// Package metrics defines the Prometheus collectors exported by the server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors.
type Metrics struct {
	Registrations   prometheus.Counter
	Bans            prometheus.Counter
	Unbans          prometheus.Counter
	Evictions       prometheus.Counter
	RoomJoins       prometheus.Counter
	Messages        prometheus.Counter
	Rejections      *prometheus.CounterVec
	ReviewEntries   *prometheus.CounterVec
	DroppedFrames   prometheus.Counter
	OpenConnections prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "registrations_total",
			Help: "Accounts registered.",
		}),
		Bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "bans_total",
			Help: "Bans applied.",
		}),
		Unbans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "unbans_total",
			Help: "Bans lifted.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "room_evictions_total",
			Help: "Room memberships removed by a ban.",
		}),
		RoomJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "room_joins_total",
			Help: "Successful room joins.",
		}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "messages_total",
			Help: "Chat messages accepted for fan-out.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "rejections_total",
			Help: "Requests rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		ReviewEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "review_entries_total",
			Help: "Appeals and reports submitted.",
		}, []string{"kind"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatguard", Name: "ws_dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatguard", Name: "ws_open_connections",
			Help: "Open websocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Registrations, m.Bans, m.Unbans, m.Evictions, m.RoomJoins,
			m.Messages, m.Rejections, m.ReviewEntries, m.DroppedFrames,
			m.OpenConnections,
		)
	}
	return m
}

func (m *Metrics) Registered() {
	if m != nil {
		m.Registrations.Inc()
	}
}

func (m *Metrics) Banned() {
	if m != nil {
		m.Bans.Inc()
	}
}

func (m *Metrics) Unbanned() {
	if m != nil {
		m.Unbans.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.Evictions.Add(float64(n))
	}
}

func (m *Metrics) Joined() {
	if m != nil {
		m.RoomJoins.Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.Messages.Inc()
	}
}

func (m *Metrics) Rejected(operation, kind string) {
	if m != nil {
		m.Rejections.WithLabelValues(operation, kind).Inc()
	}
}

func (m *Metrics) ReviewSubmitted(kind string) {
	if m != nil {
		m.ReviewEntries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.DroppedFrames.Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.OpenConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.OpenConnections.Dec()
	}
}
