// Package metrics exposes the discovery subsystem's Prometheus gauges and
// counters: membership size, quorum state, leader changes, publish acks, and
// down decisions, plus the gRPC connection-cache stats shared with the
// teacher's transport layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eskka",
		Name:      "members_total",
		Help:      "Current number of known cluster members",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eskka",
		Name:      "is_leader",
		Help:      "1 if this node is the current master, else 0",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader (oldest master-eligible member) changes",
	})

	QuorumAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eskka",
		Name:      "quorum_available",
		Help:      "1 if this node's Follower view currently has quorum, else 0",
	})

	PublishAcksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eskka",
		Name:      "publish_acks_total",
		Help:      "Total PublishAck outcomes observed by the Master's AckListener",
	}, []string{"result"})

	NodesDownedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Name:      "nodes_downed_total",
		Help:      "Total number of nodes forcibly downed by this node's PartitionMonitor",
	})

	AbdicationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Name:      "abdications_total",
		Help:      "Total number of sustained-quorum-loss restarts triggered by the Abdicator",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eskka",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eskka",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ClusterMembers)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(QuorumAvailable)
		prometheus.MustRegister(PublishAcksTotal)
		prometheus.MustRegister(NodesDownedTotal)
		prometheus.MustRegister(AbdicationsTotal)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}
