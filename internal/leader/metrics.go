package leader

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the leader's Prometheus instruments. One set is shared by
// every leadership term of a process.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	Executing         prometheus.Gauge
	Operations        *prometheus.CounterVec
	NodeOperations    *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ReconcilePasses   prometheus.Counter
	UnderReplicated   prometheus.Gauge
	OverReplicated    prometheus.Gauge
	Leader            prometheus.Gauge
}

// NewMetrics creates unregistered instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "queue_depth",
			Help:      "Operations waiting in the leader queue",
		}),
		Executing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "executing_operations",
			Help:      "Operations waiting for node results",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "operations_total",
			Help:      "Leader operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		NodeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "node_operations_total",
			Help:      "Node sub-operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "operation_duration_seconds",
			Help:      "Time from enqueue to completion",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		ReconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "reconcile_passes_total",
			Help:      "Completed replication checks",
		}),
		UnderReplicated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "under_replicated_indices",
			Help:      "Deployed indices with a shard below its replication factor",
		}),
		OverReplicated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "over_replicated_indices",
			Help:      "Deployed indices with a shard above its replication factor",
		}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardctl",
			Subsystem: "leader",
			Name:      "is_leader",
			Help:      "1 while this process leads the cluster",
		}),
	}
}

// Collectors returns every instrument for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.QueueDepth,
		m.Executing,
		m.Operations,
		m.NodeOperations,
		m.OperationDuration,
		m.ReconcilePasses,
		m.UnderReplicated,
		m.OverReplicated,
		m.Leader,
	}
}

// MustRegister registers every instrument with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.Collectors()...)
}
