package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletd_transfers_applied_total",
		Help: "Transfers committed to the ledger",
	})

	transfersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_transfers_rejected_total",
		Help: "Transfers rejected, labeled by reason",
	}, []string{"reason"})

	applyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletd_apply_conflicts_total",
		Help: "Optimistic version conflicts hit while applying transfers",
	})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletd_idempotent_replays_total",
		Help: "Submits answered from a finalized idempotency record",
	})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "walletd_submit_duration_seconds",
		Help:    "Latency distribution of transfer submissions",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	sweptTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "walletd_swept_transfers_total",
		Help: "Pending transfers expired by the background sweeper",
	})
)
