package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ServerID reports this node's allocated server_id (0 until allocated).
var ServerID = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mcm",
		Name:      "server_id",
		Help:      "Server ID allocated to this node from the Consul counter.",
	},
)

// IsLeader reports 1 if this node currently owns the replication leader
// key, 0 otherwise.
var IsLeader = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mcm",
		Name:      "is_leader",
		Help:      "1 if this node is the current replication leader, 0 otherwise.",
	},
)

// RouterBackends reports the number of backend servers currently
// programmed into the query router.
var RouterBackends = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mcm",
		Name:      "router_backends",
		Help:      "Number of backend MySQL servers currently programmed into the query router.",
	},
)

// BackupsTotal counts completed backup attempts by result.
var BackupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcm",
		Name:      "backups_total",
		Help:      "Total number of backup attempts by result.",
	},
	[]string{"result"},
)

// BackupDurationSeconds tracks how long a full backup (dump, prepare,
// compress, upload) takes.
var BackupDurationSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "mcm",
		Name:      "backup_duration_seconds",
		Help:      "Duration of a full backup run in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
)

// HTTPRequestDuration tracks the supervisor's own /healthz and /metrics
// request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mcm",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// BootstrapDecisionsTotal counts which branch the bootstrap decider took.
var BootstrapDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcm",
		Name:      "bootstrap_decisions_total",
		Help:      "Total number of bootstrap runs by decided branch.",
	},
	[]string{"branch"},
)

// All returns the cluster-manager-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ServerID,
		IsLeader,
		RouterBackends,
		BackupsTotal,
		BackupDurationSeconds,
		BootstrapDecisionsTotal,
		HTTPRequestDuration,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors
// and the cluster-manager metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
