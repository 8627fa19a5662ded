package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector of the agent and backs /metrics.
var Registry = prometheus.NewRegistry()

var (
	// SessionsTotal counts finished update sessions by outcome
	// (up_to_date, activated, aborted, suspended, deferred).
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fota_sessions_total",
			Help: "Total number of update checks by outcome.",
		},
		[]string{"outcome"},
	)

	// ChunksTotal counts chunk arrivals: accepted, duplicate, rejected, out_of_window.
	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fota_chunks_total",
			Help: "Total number of firmware chunks received by outcome.",
		},
		[]string{"outcome"},
	)

	// DownloadBytesTotal counts image bytes written to the inactive slot.
	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fota_download_bytes_total",
			Help: "Total number of firmware bytes written to the inactive slot.",
		},
	)

	// FaultsTotal counts faults by kind.
	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fota_faults_total",
			Help: "Total number of update faults by kind.",
		},
		[]string{"kind"},
	)

	// RollbacksTotal counts automatic rollbacks.
	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fota_rollbacks_total",
			Help: "Total number of automatic rollbacks.",
		},
	)

	// SessionState is 1 for the state the update machine is in, 0 otherwise.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fota_session_state",
			Help: "Current state of the update state machine (1 = current).",
		},
		[]string{"state"},
	)

	// FactoryResetRequired is 1 while automatic updates are suspended.
	FactoryResetRequired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fota_factory_reset_required",
			Help: "Whether automatic updates are suspended until an operator clears the ledger (1 = suspended).",
		},
	)

	// ChunkFetchLatency observes the time to obtain one verified chunk,
	// retries included.
	ChunkFetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fota_chunk_fetch_seconds",
			Help:    "Latency of fetching one verified chunk, retries included.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TaskRunsTotal counts scheduler task runs by result (ok, failed, skipped).
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fota_scheduler_task_runs_total",
			Help: "Total number of scheduled task runs by result.",
		},
		[]string{"task", "result"},
	)

	// BrokerConnectivityStatus records the MQTT link (1 = connected).
	BrokerConnectivityStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fota_broker_connectivity_status",
			Help: "The connectivity status to the MQTT broker (1=Connected, 0=Disconnected).",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsTotal,
		ChunksTotal,
		DownloadBytesTotal,
		FaultsTotal,
		RollbacksTotal,
		SessionState,
		FactoryResetRequired,
		ChunkFetchLatency,
		TaskRunsTotal,
		BrokerConnectivityStatus,
	)
}

// SetState moves the state gauge to current.
func SetState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
