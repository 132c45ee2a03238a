// Package store defines the persistence contract for the wallet ledger:
// accounts, transfers and idempotency records. Two implementations exist,
// store/memory for tests and single-node development and store/postgres
// for production.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateAccount    = errors.New("duplicate account")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConflict            = errors.New("version conflict")
	ErrDuplicateInFlight   = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrAccountClosed       = errors.New("account closed")
)

// Begin is the outcome of an idempotency reservation attempt.
type Begin int

const (
	BeginAdmitted Begin = iota
	BeginInFlight
	BeginFinalized
)

// IdempotencyRecord holds the state of a client-supplied request key.
// Once finalized it carries the serialized TransferOutcome so retries
// replay the original response.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	TransferID  string
	Outcome     json.RawMessage
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// AdjustOp is one leg of a balance mutation: apply Delta to the account
// at Address only if its stored version still equals ExpectedVersion.
type AdjustOp struct {
	Address         string
	Delta           int64
	ExpectedVersion int64
}

// Store is the full persistence surface. All balance mutation goes
// through ApplyTransfer, which commits both legs, the version bumps and
// the transfer finalization as one atomic unit of work or not at all.
type Store interface {
	// Accounts. CreateAccount fails with ErrDuplicateAccount if the
	// address is already taken; accounts are never deleted, only closed.
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
	CloseAccount(ctx context.Context, address string) error

	// Transfers. CreateTransfer admits a pending row; ApplyTransfer
	// finalizes it together with both balance legs, returning
	// ErrConflict when either expected version is stale and
	// ErrInsufficientFunds when the debit would drive a balance
	// negative. RejectTransfer finalizes pending -> rejected.
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, address string, cursor int64, limit int) ([]domain.Transfer, int64, error)
	ApplyTransfer(ctx context.Context, id string, debit, credit AdjustOp, appliedAt time.Time) error
	RejectTransfer(ctx context.Context, id string, reason domain.RejectReason) error

	// Idempotency. BeginIdempotency is an atomic insert-if-absent;
	// concurrent submissions with the same key cannot both be admitted.
	BeginIdempotency(ctx context.Context, key, requestHash string) (Begin, *IdempotencyRecord, error)
	FinalizeIdempotency(ctx context.Context, key, transferID string, outcome json.RawMessage) error
	ReleaseIdempotency(ctx context.Context, key string) error
	PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error)

	// SweepExpired rejects pending transfers created before the cutoff
	// with reason expired and finalizes their idempotency records,
	// returning the transfers it swept.
	SweepExpired(ctx context.Context, olderThan time.Time) ([]domain.Transfer, error)

	// Notifications.
	CreateNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, address string) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*domain.Notification, error)
	DeleteNotification(ctx context.Context, id string) error
}
