package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	ActiveListeners prometheus.Gauge
	FramesTotal     *prometheus.CounterVec
	BatchesFlushed  prometheus.Counter
	BackendErrors   *prometheus.CounterVec
	HeartbeatMisses prometheus.Counter
	MirrorFlips     prometheus.Counter
	EvictionsTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wiretap",
			Name:      "active_sessions",
			Help:      "Shared capture sessions currently open",
		}),
		ActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wiretap",
			Name:      "active_listeners",
			Help:      "Listener registrations across all sessions",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "frames_total",
			Help:      "Frames processed by decode outcome",
		}, []string{"outcome"}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "batches_flushed_total",
			Help:      "Throttled frame batches delivered to listeners",
		}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "backend_errors_total",
			Help:      "Failed backend RPCs by operation",
		}, []string{"op"}),
		HeartbeatMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeats that failed and were left for the next cycle",
		}),
		MirrorFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "mirror_mismatch_flips_total",
			Help:      "Mirror validations that crossed the mismatch threshold",
		}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiretap",
			Name:      "evictions_total",
			Help:      "Entries dropped from bounded state containers",
		}, []string{"container"}),
	}
	r.MustRegister(
		m.ActiveSessions,
		m.ActiveListeners,
		m.FramesTotal,
		m.BatchesFlushed,
		m.BackendErrors,
		m.HeartbeatMisses,
		m.MirrorFlips,
		m.EvictionsTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
