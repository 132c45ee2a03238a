// Package ledger implements the atomic transfer engine: the only
// component allowed to move value between two wallets. Every submit is
// idempotent under its client-supplied key, both balance legs commit in
// one unit of work, and version conflicts are retried with jittered
// backoff before being surfaced.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

var (
	ErrInvalidTransfer = errors.New("invalid transfer")
	ErrContention      = errors.New("transfer contention, retry later")
	ErrTimeout         = errors.New("transfer timed out")
	ErrExpired         = errors.New("transfer expired")
)

// Sink receives fire-and-forget events when a transfer finalizes.
// Publish must not block; it reports whether the event was accepted.
type Sink interface {
	Publish(event domain.Event) bool
}

type Config struct {
	// MaxAttempts bounds the optimistic apply loop.
	MaxAttempts int
	// RetryBaseDelay is the backoff unit between conflicting attempts.
	RetryBaseDelay time.Duration
	// SubmitTimeout bounds a single Submit call end to end.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Millisecond
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	return c
}

type Engine struct {
	store  store.Store
	sink   Sink
	logger *slog.Logger
	cfg    Config
}

func NewEngine(s store.Store, sink Sink, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, sink: sink, logger: logger, cfg: cfg.withDefaults()}
}

// Submit validates and applies a transfer. Retrying with the same
// idempotency key replays the original outcome without re-executing
// anything; a concurrent duplicate fails fast with
// store.ErrDuplicateInFlight. Rejected outcomes are returned alongside
// the sentinel error naming the rejection.
func (e *Engine) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.TransferOutcome, error) {
	timer := time.Now()
	defer func() { submitDuration.Observe(time.Since(timer).Seconds()) }()

	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key required", ErrInvalidTransfer)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if req.Source == req.Dest {
		return nil, fmt.Errorf("%w: source and destination must differ", ErrInvalidTransfer)
	}

	requestHash := req.RequestHash
	if requestHash == "" {
		requestHash = HashRequest(req)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	begin, rec, err := e.store.BeginIdempotency(ctx, req.IdempotencyKey, requestHash)
	if err != nil {
		return nil, err
	}
	switch begin {
	case store.BeginFinalized:
		var outcome domain.TransferOutcome
		if err := json.Unmarshal(rec.Outcome, &outcome); err != nil {
			return nil, fmt.Errorf("stored outcome corrupt for key %s: %w", req.IdempotencyKey, err)
		}
		outcome.Replayed = true
		idempotentReplays.Inc()
		return &outcome, errForOutcome(&outcome)
	case store.BeginInFlight:
		return nil, fmt.Errorf("%w: key %s", store.ErrDuplicateInFlight, req.IdempotencyKey)
	}

	src, dst, err := e.loadAccounts(ctx, req)
	if err != nil {
		// Nothing was written yet; free the key so a corrected retry
		// is not stuck behind a phantom in-flight record.
		e.release(ctx, req.IdempotencyKey)
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:             domain.TransferID(req.IdempotencyKey),
		Source:         req.Source,
		Dest:           req.Dest,
		Amount:         req.Amount,
		Status:         domain.TransferPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateTransfer(ctx, transfer); err != nil {
		e.release(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("transfer admission failed: %w", err)
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Every retry re-reads current state; balances are never
			// cached across attempts.
			src, dst, err = e.loadAccounts(ctx, req)
			if err != nil {
				return nil, err
			}
		}

		if src.Balance < req.Amount {
			return e.reject(ctx, transfer, src.Balance, dst.Balance, domain.ReasonInsufficientFunds)
		}

		debit := store.AdjustOp{Address: src.Address, Delta: -req.Amount, ExpectedVersion: src.Version}
		credit := store.AdjustOp{Address: dst.Address, Delta: req.Amount, ExpectedVersion: dst.Version}
		err = e.store.ApplyTransfer(ctx, transfer.ID, debit, credit, time.Now().UTC())

		switch {
		case err == nil:
			return e.finalizeApplied(ctx, transfer, src.Balance-req.Amount, dst.Balance+req.Amount)
		case errors.Is(err, store.ErrConflict):
			applyConflicts.Inc()
			if !e.backoff(ctx, attempt) {
				// Abandoned mid-flight; the sweeper will expire the
				// pending row.
				return nil, fmt.Errorf("%w: transfer %s", ErrTimeout, transfer.ID)
			}
		case errors.Is(err, store.ErrInsufficientFunds):
			return e.reject(ctx, transfer, src.Balance, dst.Balance, domain.ReasonInsufficientFunds)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: transfer %s", ErrTimeout, transfer.ID)
		default:
			return nil, fmt.Errorf("apply failed for transfer %s: %w", transfer.ID, err)
		}
	}

	e.logger.Warn("transfer retries exhausted",
		slog.String("transfer_id", transfer.ID),
		slog.Int("attempts", e.cfg.MaxAttempts))
	outcome, _ := e.reject(ctx, transfer, src.Balance, dst.Balance, domain.ReasonContention)
	return outcome, fmt.Errorf("%w: transfer %s", ErrContention, transfer.ID)
}

func (e *Engine) loadAccounts(ctx context.Context, req domain.SubmitRequest) (src, dst *domain.Account, err error) {
	src, err = e.store.GetAccount(ctx, req.Source)
	if err != nil {
		return nil, nil, err
	}
	dst, err = e.store.GetAccount(ctx, req.Dest)
	if err != nil {
		return nil, nil, err
	}
	if src.Closed() {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrAccountClosed, src.Address)
	}
	if dst.Closed() {
		return nil, nil, fmt.Errorf("%w: %s", store.ErrAccountClosed, dst.Address)
	}
	return src, dst, nil
}

func (e *Engine) finalizeApplied(ctx context.Context, transfer *domain.Transfer, srcBalance, dstBalance int64) (*domain.TransferOutcome, error) {
	outcome := &domain.TransferOutcome{
		TransferID:    transfer.ID,
		Status:        domain.TransferApplied,
		Amount:        transfer.Amount,
		SourceBalance: srcBalance,
		DestBalance:   dstBalance,
	}
	if err := e.finalizeKey(ctx, transfer, outcome); err != nil {
		return nil, err
	}

	transfersApplied.Inc()
	e.publish(transfer, domain.TransferApplied, "")
	return outcome, nil
}

func (e *Engine) reject(ctx context.Context, transfer *domain.Transfer, srcBalance, dstBalance int64, reason domain.RejectReason) (*domain.TransferOutcome, error) {
	// Finalization must land even if the caller gave up right after the
	// decision was made.
	ctx = context.WithoutCancel(ctx)

	if err := e.store.RejectTransfer(ctx, transfer.ID, reason); err != nil {
		return nil, fmt.Errorf("reject failed for transfer %s: %w", transfer.ID, err)
	}
	outcome := &domain.TransferOutcome{
		TransferID:    transfer.ID,
		Status:        domain.TransferRejected,
		RejectReason:  reason,
		Amount:        transfer.Amount,
		SourceBalance: srcBalance,
		DestBalance:   dstBalance,
	}
	if err := e.finalizeKey(ctx, transfer, outcome); err != nil {
		return nil, err
	}

	transfersRejected.WithLabelValues(string(reason)).Inc()
	e.publish(transfer, domain.TransferRejected, reason)
	return outcome, errForOutcome(outcome)
}

func (e *Engine) finalizeKey(ctx context.Context, transfer *domain.Transfer, outcome *domain.TransferOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.store.FinalizeIdempotency(ctx, transfer.IdempotencyKey, transfer.ID, payload); err != nil {
		return fmt.Errorf("idempotency finalize failed for transfer %s: %w", transfer.ID, err)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, key string) {
	if err := e.store.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil {
		e.logger.Error("idempotency release failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(transfer *domain.Transfer, status domain.TransferStatus, reason domain.RejectReason) {
	if e.sink == nil {
		return
	}
	accepted := e.sink.Publish(domain.Event{
		TransferID: transfer.ID,
		Source:     transfer.Source,
		Dest:       transfer.Dest,
		Amount:     transfer.Amount,
		Status:     status,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	if !accepted {
		e.logger.Warn("notification dropped", slog.String("transfer_id", transfer.ID))
	}
}

// backoff sleeps a jittered, attempt-scaled delay. It reports false if
// the context expired first.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	base := e.cfg.RetryBaseDelay
	delay := time.Duration(attempt)*base + time.Duration(rand.Int63n(int64(base)))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// HashRequest fingerprints the transfer fields so that reusing an
// idempotency key with a different payload is detectable.
func HashRequest(req domain.SubmitRequest) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", req.Source, req.Dest, req.Amount))
	return hex.EncodeToString(sum[:])
}

// errForOutcome reconstructs the sentinel error a finalized outcome was
// originally returned with, so replays behave identically.
func errForOutcome(outcome *domain.TransferOutcome) error {
	if outcome.Status != domain.TransferRejected {
		return nil
	}
	switch outcome.RejectReason {
	case domain.ReasonInsufficientFunds:
		return fmt.Errorf("%w: transfer %s", store.ErrInsufficientFunds, outcome.TransferID)
	case domain.ReasonContention:
		return fmt.Errorf("%w: transfer %s", ErrContention, outcome.TransferID)
	case domain.ReasonExpired:
		return fmt.Errorf("%w: transfer %s", ErrExpired, outcome.TransferID)
	}
	return fmt.Errorf("transfer %s rejected: %s", outcome.TransferID, outcome.RejectReason)
}
