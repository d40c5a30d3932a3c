// Package metrics holds the Prometheus collectors shared by the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "simsync"

// Metrics groups every collector the transport, registry and dispatcher report to.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec

	SnapshotsApplied *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	PollErrors       prometheus.Counter
}

// New creates the collectors and registers them on reg. If reg is nil a
// private registry is used, which keeps tests from colliding on the default one.
// Collectors already registered on reg are reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "Current transport state (0 disconnected, 1 connecting, 2 connected, 3 error, 4 closed)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of broker reconnection attempts",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections dropped because no heartbeat arrived in time",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames received from the broker by command",
		}, []string{"command"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames queued for the broker by command",
		}, []string{"command"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before dispatch",
		}, []string{"reason"}),
		SnapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "snapshots_applied_total",
			Help:      "Snapshots decoded and stored by kind",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they failed to decode, by kind",
		}, []string{"kind"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "poll_errors_total",
			Help:      "Failed fetches from the polling source",
		}),
	}

	m.ConnectionState = register(reg, m.ConnectionState)
	m.ReconnectAttempts = register(reg, m.ReconnectAttempts)
	m.HeartbeatTimeouts = register(reg, m.HeartbeatTimeouts)
	m.FramesReceived = register(reg, m.FramesReceived)
	m.FramesSent = register(reg, m.FramesSent)
	m.FramesDropped = register(reg, m.FramesDropped)
	m.SnapshotsApplied = register(reg, m.SnapshotsApplied)
	m.DecodeErrors = register(reg, m.DecodeErrors)
	m.PollErrors = register(reg, m.PollErrors)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
