package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks consensus engine activity
type Metrics struct {
	RoundsCompleted      prometheus.Counter
	RoundsFailed         prometheus.Counter
	ObservationsAccepted prometheus.Counter
	ByzantineDetected    prometheus.Counter
	QuorumSize           prometheus.Gauge
}

// NewMetrics creates and registers consensus metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_rounds_completed_total",
			Help: "Number of consensus rounds that reached quorum",
		}),
		RoundsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_rounds_failed_total",
			Help: "Number of consensus rounds that timed out before quorum",
		}),
		ObservationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_observations_accepted_total",
			Help: "Number of observations accepted into rounds",
		}),
		ByzantineDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_byzantine_nodes_detected_total",
			Help: "Number of Byzantine double-submissions detected",
		}),
		QuorumSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_quorum_size",
			Help: "Current quorum threshold",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RoundsCompleted, m.RoundsFailed, m.ObservationsAccepted,
			m.ByzantineDetected, m.QuorumSize)
	}
	return m
}
