package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts requests served by the registry status API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TasksDispatchedTotal counts task outcomes per pool kind.
	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dispatched_total",
			Help: "Total number of dispatched tasks by pool kind and status.",
		},
		[]string{"kind", "status"},
	)

	// TaskReassignmentsTotal counts tasks moved away from a failed pool.
	TaskReassignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "task_reassignments_total",
			Help: "Total number of times a task was reassigned after a pool failure.",
		},
	)

	// TaskDuration observes the full dispatch lifecycle of a task.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Time from first selection to completion of a task.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RPCCallsTotal counts terminal outcomes of the RPC envelope.
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_calls_total",
			Help: "Total number of logical RPC calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// RPCLateRepliesTotal counts replies dropped because their call had timed out.
	RPCLateRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_late_replies_total",
			Help: "Total number of replies discarded after the call already timed out.",
		},
		[]string{"method"},
	)

	// HeartbeatProbesTotal counts registry liveness probes.
	HeartbeatProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_probes_total",
			Help: "Total number of heartbeat probes by result.",
		},
		[]string{"result"},
	)

	// RegisteredWorkers reports known and live worker counts.
	RegisteredWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registered_workers",
			Help: "Number of workers known to the registry, by state.",
		},
		[]string{"state"},
	)

	// DispatchTableEntries reports the size of the published dispatch table.
	DispatchTableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_table_entries",
			Help: "Number of pools in the current dispatch table, by kind.",
		},
		[]string{"kind"},
	)

	// DispatchTableRefreshFailures counts refreshes that kept the stale table.
	DispatchTableRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_table_refresh_failures_total",
			Help: "Total number of dispatch table refreshes that failed and kept the previous table.",
		},
	)

	// WorkerExecutionsTotal counts capability executions on a worker node.
	WorkerExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_executions_total",
			Help: "Total number of capability executions served by this worker.",
		},
		[]string{"capability", "status"},
	)
)
