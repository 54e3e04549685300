// Package metrics declares the Prometheus collectors exposed at
// GET /metrics/prometheus (spec §6 supplement). Grounded on the pack's
// observability.go global-var block: every metric is a package-level
// promauto registration against the default registry, so any package can
// import and increment one without threading a registry handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_workers_total",
		Help: "Current worker count by state.",
	}, []string{"state"})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_worker_restarts_total",
		Help: "Worker restarts performed by the supervisor's restart policy.",
	}, []string{"team"})

	WorkerSpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_worker_spawn_failures_total",
		Help: "Spawn attempts that fell through to rejection.",
	}, []string{"reason"})

	SpawnQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_spawn_queue_depth",
		Help: "Pending spawn-queue items not yet admitted.",
	})

	SpawnQueueAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_spawn_queue_admitted_total",
		Help: "Spawn-queue items the planner admitted to the supervisor.",
	})

	SpawnQueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_spawn_queue_rejected_total",
		Help: "Spawn-queue items the planner rejected, by reason.",
	}, []string{"reason"})

	SchedulerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_scheduler_fires_total",
		Help: "Schedule firings, by outcome.",
	}, []string{"outcome"})

	SchedulerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_scheduler_retries_total",
		Help: "Retries scheduled after a worker error observed by the scheduler.",
	})

	BlackboardMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_blackboard_messages_total",
		Help: "Blackboard messages posted, by message type.",
	}, []string{"message_type"})

	LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_ledger_transactions_total",
		Help: "Credit ledger transactions recorded, by type.",
	}, []string{"type"})

	StoreTxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_store_tx_duration_seconds",
		Help:    "Store transaction latency.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	StoreBusyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_store_busy_retries_total",
		Help: "Times a Store operation retried after a SQLITE_BUSY error.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP handler latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	WSConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ws_connected_clients",
		Help: "Currently connected WebSocket clients.",
	})
)
