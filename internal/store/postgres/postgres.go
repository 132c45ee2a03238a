// Package postgres implements store.Store on a pgx connection pool.
// Balance mutation runs inside a single REPEATABLE READ transaction with
// the two legs applied in deterministic address order, so opposing
// transfers cannot deadlock each other.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgCheckViolation       = "23514"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	status := account.Status
	if status == "" {
		status = domain.AccountActive
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (address, balance, version, status, private_key, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.Address, account.Balance, account.Version, status,
		account.PrivateKey, account.PasswordHash, createdAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", store.ErrDuplicateAccount, account.Address)
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var account domain.Account
	err := s.pool.QueryRow(ctx,
		`SELECT address, balance, version, status, private_key, password_hash, created_at
		 FROM accounts WHERE address = $1`, address,
	).Scan(&account.Address, &account.Balance, &account.Version, &account.Status,
		&account.PrivateKey, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", store.ErrNotFound, address)
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return &account, nil
}

func (s *Store) CloseAccount(ctx context.Context, address string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE accounts SET status = $1 WHERE address = $2`, domain.AccountClosed, address)
	if err != nil {
		return fmt.Errorf("account close failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", store.ErrNotFound, address)
	}
	return nil
}

func (s *Store) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	createdAt := transfer.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO transfers (id, source_account, dest_account, amount, status, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		transfer.ID, transfer.Source, transfer.Dest, transfer.Amount,
		domain.TransferPending, transfer.IdempotencyKey, createdAt,
	).Scan(&transfer.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: transfer %s", store.ErrConflict, transfer.ID)
		}
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT id, seq, source_account, dest_account, amount, status, rejection_reason, idempotency_key, created_at, applied_at
		 FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transfer %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("transfer query failed: %w", err)
	}
	return transfer, nil
}

func (s *Store) ListTransfers(ctx context.Context, address string, cursor int64, limit int) ([]domain.Transfer, int64, error) {
	if limit <= 0 {
		limit = 20
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)`, address).Scan(&exists); err != nil {
		return nil, 0, fmt.Errorf("account existence check failed: %w", err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("%w: account %s", store.ErrNotFound, address)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, source_account, dest_account, amount, status, rejection_reason, idempotency_key, created_at, applied_at
		 FROM transfers
		 WHERE (source_account = $1 OR dest_account = $1) AND ($2 = 0 OR seq < $2)
		 ORDER BY seq DESC LIMIT $3`,
		address, cursor, limit+1)
	if err != nil {
		return nil, 0, fmt.Errorf("transfer list query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("transfer scan failed: %w", err)
		}
		out = append(out, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].Seq
	}
	return out, next, nil
}

func (s *Store) ApplyTransfer(ctx context.Context, id string, debit, credit store.AdjustOp, appliedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Both legs in deterministic address order.
	ops := []store.AdjustOp{debit, credit}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Address < ops[j].Address })

	for _, op := range ops {
		ct, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $1, version = version + 1
			 WHERE address = $2 AND version = $3 AND balance + $1 >= 0`,
			op.Delta, op.Address, op.ExpectedVersion)
		if err != nil {
			return classifyPgError(err, op.Address)
		}
		if ct.RowsAffected() == 0 {
			return s.diagnoseAdjustMiss(ctx, tx, op)
		}
	}

	ct, err := tx.Exec(ctx,
		`UPDATE transfers SET status = $1, applied_at = $2 WHERE id = $3 AND status = $4`,
		domain.TransferApplied, appliedAt.UTC(), id, domain.TransferPending)
	if err != nil {
		return classifyPgError(err, id)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: transfer %s not pending", store.ErrConflict, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err, id)
	}
	return nil
}

// diagnoseAdjustMiss tells apart the three reasons a version-checked
// UPDATE can touch zero rows.
func (s *Store) diagnoseAdjustMiss(ctx context.Context, tx pgx.Tx, op store.AdjustOp) error {
	var version, balance int64
	err := tx.QueryRow(ctx,
		`SELECT version, balance FROM accounts WHERE address = $1`, op.Address,
	).Scan(&version, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: account %s", store.ErrNotFound, op.Address)
		}
		return fmt.Errorf("adjust diagnosis failed: %w", err)
	}
	if version != op.ExpectedVersion {
		return fmt.Errorf("%w: account %s at version %d, expected %d",
			store.ErrConflict, op.Address, version, op.ExpectedVersion)
	}
	return fmt.Errorf("%w: account %s", store.ErrInsufficientFunds, op.Address)
}

func (s *Store) RejectTransfer(ctx context.Context, id string, reason domain.RejectReason) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE transfers SET status = $1, rejection_reason = $2 WHERE id = $3 AND status = $4`,
		domain.TransferRejected, reason, id, domain.TransferPending)
	if err != nil {
		return fmt.Errorf("transfer reject failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: transfer %s", store.ErrNotFound, id)
		}
		return fmt.Errorf("%w: transfer %s not pending", store.ErrConflict, id)
	}
	return nil
}

func (s *Store) BeginIdempotency(ctx context.Context, key, requestHash string) (store.Begin, *store.IdempotencyRecord, error) {
	rec := store.IdempotencyRecord{Key: key}
	var transferID *string
	err := s.pool.QueryRow(ctx,
		`SELECT request_hash, transfer_id, outcome, created_at, finalized_at
		 FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.RequestHash, &transferID, &rec.Outcome, &rec.CreatedAt, &rec.FinalizedAt)

	if err == nil {
		if rec.RequestHash != requestHash {
			return 0, nil, fmt.Errorf("%w: key %s", store.ErrIdempotencyMismatch, key)
		}
		if transferID != nil {
			rec.TransferID = *transferID
		}
		if rec.FinalizedAt == nil {
			return store.BeginInFlight, &rec, nil
		}
		return store.BeginFinalized, &rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash) VALUES ($1, $2)`,
		key, requestHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the insert race; the winner holds the key.
			return store.BeginInFlight, nil, nil
		}
		return 0, nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return store.BeginAdmitted, nil, nil
}

func (s *Store) FinalizeIdempotency(ctx context.Context, key, transferID string, outcome json.RawMessage) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET transfer_id = $1, outcome = $2, finalized_at = now() WHERE key = $3`,
		transferID, outcome, key)
	if err != nil {
		return fmt.Errorf("idempotency finalize failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: idempotency key %s", store.ErrNotFound, key)
	}
	return nil
}

func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND finalized_at IS NULL`, key)
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	return nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE finalized_at IS NOT NULL AND finalized_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *Store) SweepExpired(ctx context.Context, olderThan time.Time) ([]domain.Transfer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE transfers SET status = $1, rejection_reason = $2
		 WHERE status = $3 AND created_at < $4
		 RETURNING id, seq, source_account, dest_account, amount, status, rejection_reason, idempotency_key, created_at, applied_at`,
		domain.TransferRejected, domain.ReasonExpired, domain.TransferPending, olderThan)
	if err != nil {
		return nil, fmt.Errorf("sweep update failed: %w", err)
	}

	var swept []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sweep scan failed: %w", err)
		}
		swept = append(swept, *transfer)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, transfer := range swept {
		outcome, err := json.Marshal(domain.TransferOutcome{
			TransferID:   transfer.ID,
			Status:       domain.TransferRejected,
			RejectReason: domain.ReasonExpired,
			Amount:       transfer.Amount,
		})
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE idempotency_keys SET transfer_id = $1, outcome = $2, finalized_at = now() WHERE key = $3`,
			transfer.ID, outcome, transfer.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("sweep finalize failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sweep commit failed: %w", err)
	}
	return swept, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, wallet_address, message, type, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.Address, n.Message, n.Type, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("notification insert failed: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, address string) ([]domain.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, wallet_address, message, type, read, created_at
		 FROM notifications WHERE wallet_address = $1 ORDER BY created_at DESC`, address)
	if err != nil {
		return nil, fmt.Errorf("notification list query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Address, &n.Message, &n.Type, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification scan failed: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string) (*domain.Notification, error) {
	var n domain.Notification
	err := s.pool.QueryRow(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1
		 RETURNING id, wallet_address, message, type, read, created_at`, id,
	).Scan(&n.ID, &n.Address, &n.Message, &n.Type, &n.Read, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: notification %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("notification update failed: %w", err)
	}
	return &n, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notification delete failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", store.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var t domain.Transfer
	var reason *string
	var appliedAt *time.Time
	err := row.Scan(&t.ID, &t.Seq, &t.Source, &t.Dest, &t.Amount, &t.Status,
		&reason, &t.IdempotencyKey, &t.CreatedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		t.RejectReason = domain.RejectReason(*reason)
	}
	t.AppliedAt = appliedAt
	return &t, nil
}

// classifyPgError maps the SQLSTATEs the apply path can produce onto
// the store's sentinel errors. A serialization failure or a balance
// check violation both mean the caller should re-read and retry.
func classifyPgError(err error, subject string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure:
			return fmt.Errorf("%w: %s", store.ErrConflict, subject)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", store.ErrInsufficientFunds, subject)
		}
	}
	return fmt.Errorf("apply failed for %s: %w", subject, err)
}
