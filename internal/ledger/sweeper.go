package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

// Sweeper is the background janitor for the ledger. It expires pending
// transfers whose submit was abandoned mid-flight and garbage-collects
// finalized idempotency records past their retention window.
type Sweeper struct {
	store     store.Store
	sink      Sink
	logger    *slog.Logger
	interval  time.Duration
	abandon   time.Duration
	retention time.Duration
}

func NewSweeper(s store.Store, sink Sink, logger *slog.Logger, interval, abandon, retention time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if abandon <= 0 {
		abandon = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{store: s, sink: sink, logger: logger, interval: interval, abandon: abandon, retention: retention}
}

// Run loops until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass. Safe to call concurrently with submits.
func (sw *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	swept, err := sw.store.SweepExpired(ctx, now.Add(-sw.abandon))
	if err != nil {
		sw.logger.Error("expired transfer sweep failed", slog.String("error", err.Error()))
	}
	for _, transfer := range swept {
		sweptTransfers.Inc()
		transfersRejected.WithLabelValues(string(domain.ReasonExpired)).Inc()
		sw.logger.Info("expired pending transfer",
			slog.String("transfer_id", transfer.ID),
			slog.String("source", transfer.Source))
		if sw.sink != nil {
			sw.sink.Publish(domain.Event{
				TransferID: transfer.ID,
				Source:     transfer.Source,
				Dest:       transfer.Dest,
				Amount:     transfer.Amount,
				Status:     domain.TransferRejected,
				Reason:     domain.ReasonExpired,
				OccurredAt: now,
			})
		}
	}

	purged, err := sw.store.PurgeIdempotency(ctx, now.Add(-sw.retention))
	if err != nil {
		sw.logger.Error("idempotency purge failed", slog.String("error", err.Error()))
	} else if purged > 0 {
		sw.logger.Info("purged idempotency records", slog.Int64("count", purged))
	}
}
