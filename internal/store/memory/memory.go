// Package memory implements store.Store with in-process maps guarded by
// a single mutex. Commits are short critical sections; optimistic
// version checks still apply, so the engine's conflict/retry path is
// exercised exactly as it is against postgres.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu            sync.RWMutex
	accounts      map[string]*domain.Account
	transfers     map[string]*domain.Transfer
	transferSeq   []*domain.Transfer
	seq           int64
	idempotency   map[string]*store.IdempotencyRecord
	notifications map[string]*domain.Notification
}

func NewStore() *Store {
	return &Store{
		accounts:      make(map[string]*domain.Account),
		transfers:     make(map[string]*domain.Transfer),
		idempotency:   make(map[string]*store.IdempotencyRecord),
		notifications: make(map[string]*domain.Notification),
	}
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.Address]; exists {
		return fmt.Errorf("%w: %s", store.ErrDuplicateAccount, account.Address)
	}

	cp := *account
	if cp.Status == "" {
		cp.Status = domain.AccountActive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.accounts[cp.Address] = &cp
	return nil
}

func (s *Store) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[address]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", store.ErrNotFound, address)
	}
	cp := *account
	return &cp, nil
}

func (s *Store) CloseAccount(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[address]
	if !exists {
		return fmt.Errorf("%w: account %s", store.ErrNotFound, address)
	}
	account.Status = domain.AccountClosed
	return nil
}

func (s *Store) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[transfer.ID]; exists {
		return fmt.Errorf("%w: transfer %s", store.ErrConflict, transfer.ID)
	}

	cp := *transfer
	s.seq++
	cp.Seq = s.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.transfers[cp.ID] = &cp
	s.transferSeq = append(s.transferSeq, &cp)
	transfer.Seq = cp.Seq
	return nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transfer, exists := s.transfers[id]
	if !exists {
		return nil, fmt.Errorf("%w: transfer %s", store.ErrNotFound, id)
	}
	cp := *transfer
	return &cp, nil
}

// ListTransfers returns transfers touching the address, most recent
// first. cursor == 0 starts from the newest; otherwise only transfers
// with Seq < cursor are returned. The returned cursor is 0 when the
// history is exhausted.
func (s *Store) ListTransfers(ctx context.Context, address string, cursor int64, limit int) ([]domain.Transfer, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.accounts[address]; !exists {
		return nil, 0, fmt.Errorf("%w: account %s", store.ErrNotFound, address)
	}
	if limit <= 0 {
		limit = 20
	}

	var out []domain.Transfer
	var next int64
	for i := len(s.transferSeq) - 1; i >= 0; i-- {
		t := s.transferSeq[i]
		if cursor > 0 && t.Seq >= cursor {
			continue
		}
		if t.Source != address && t.Dest != address {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].Seq
			break
		}
		out = append(out, *t)
	}
	return out, next, nil
}

func (s *Store) ApplyTransfer(ctx context.Context, id string, debit, credit store.AdjustOp, appliedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, exists := s.transfers[id]
	if !exists {
		return fmt.Errorf("%w: transfer %s", store.ErrNotFound, id)
	}
	if transfer.Status != domain.TransferPending {
		return fmt.Errorf("%w: transfer %s already %s", store.ErrConflict, id, transfer.Status)
	}

	// Same deterministic leg order as the postgres implementation,
	// lowest address first.
	ops := []store.AdjustOp{debit, credit}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Address < ops[j].Address })

	legs := make([]*domain.Account, len(ops))
	for i, op := range ops {
		account, ok := s.accounts[op.Address]
		if !ok {
			return fmt.Errorf("%w: account %s", store.ErrNotFound, op.Address)
		}
		if account.Version != op.ExpectedVersion {
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				store.ErrConflict, op.Address, account.Version, op.ExpectedVersion)
		}
		if account.Balance+op.Delta < 0 {
			return fmt.Errorf("%w: account %s", store.ErrInsufficientFunds, op.Address)
		}
		legs[i] = account
	}

	for i, op := range ops {
		legs[i].Balance += op.Delta
		legs[i].Version++
	}
	at := appliedAt.UTC()
	transfer.Status = domain.TransferApplied
	transfer.AppliedAt = &at
	return nil
}

func (s *Store) RejectTransfer(ctx context.Context, id string, reason domain.RejectReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectLocked(id, reason)
}

func (s *Store) rejectLocked(id string, reason domain.RejectReason) error {
	transfer, exists := s.transfers[id]
	if !exists {
		return fmt.Errorf("%w: transfer %s", store.ErrNotFound, id)
	}
	if transfer.Status != domain.TransferPending {
		return fmt.Errorf("%w: transfer %s already %s", store.ErrConflict, id, transfer.Status)
	}
	transfer.Status = domain.TransferRejected
	transfer.RejectReason = reason
	return nil
}

func (s *Store) BeginIdempotency(ctx context.Context, key, requestHash string) (store.Begin, *store.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exists := s.idempotency[key]; exists {
		if rec.RequestHash != requestHash {
			return 0, nil, fmt.Errorf("%w: key %s", store.ErrIdempotencyMismatch, key)
		}
		cp := *rec
		if rec.FinalizedAt == nil {
			return store.BeginInFlight, &cp, nil
		}
		return store.BeginFinalized, &cp, nil
	}

	s.idempotency[key] = &store.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		CreatedAt:   time.Now().UTC(),
	}
	return store.BeginAdmitted, nil, nil
}

func (s *Store) FinalizeIdempotency(ctx context.Context, key, transferID string, outcome json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeIdempotencyLocked(key, transferID, outcome)
}

func (s *Store) finalizeIdempotencyLocked(key, transferID string, outcome json.RawMessage) error {
	rec, exists := s.idempotency[key]
	if !exists {
		return fmt.Errorf("%w: idempotency key %s", store.ErrNotFound, key)
	}
	now := time.Now().UTC()
	rec.TransferID = transferID
	rec.Outcome = outcome
	rec.FinalizedAt = &now
	return nil
}

func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.idempotency[key]
	if !exists {
		return nil
	}
	if rec.FinalizedAt != nil {
		return fmt.Errorf("%w: idempotency key %s already finalized", store.ErrConflict, key)
	}
	delete(s.idempotency, key)
	return nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, rec := range s.idempotency {
		if rec.FinalizedAt != nil && rec.FinalizedAt.Before(olderThan) {
			delete(s.idempotency, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) SweepExpired(ctx context.Context, olderThan time.Time) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []domain.Transfer
	for _, transfer := range s.transfers {
		if transfer.Status != domain.TransferPending || !transfer.CreatedAt.Before(olderThan) {
			continue
		}
		transfer.Status = domain.TransferRejected
		transfer.RejectReason = domain.ReasonExpired

		outcome, err := json.Marshal(domain.TransferOutcome{
			TransferID:   transfer.ID,
			Status:       domain.TransferRejected,
			RejectReason: domain.ReasonExpired,
			Amount:       transfer.Amount,
		})
		if err != nil {
			return swept, err
		}
		// The key may already have been released on an engine error path.
		if err := s.finalizeIdempotencyLocked(transfer.IdempotencyKey, transfer.ID, outcome); err != nil && !errors.Is(err, store.ErrNotFound) {
			return swept, err
		}
		swept = append(swept, *transfer)
	}
	return swept, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	s.notifications[cp.ID] = &cp
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, address string) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Notification
	for _, n := range s.notifications {
		if n.Address == address {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, exists := s.notifications[id]
	if !exists {
		return nil, fmt.Errorf("%w: notification %s", store.ErrNotFound, id)
	}
	n.Read = true
	cp := *n
	return &cp, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[id]; !exists {
		return fmt.Errorf("%w: notification %s", store.ErrNotFound, id)
	}
	delete(s.notifications, id)
	return nil
}
