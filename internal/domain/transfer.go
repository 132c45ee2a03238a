package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApplied  TransferStatus = "applied"
	TransferRejected TransferStatus = "rejected"
)

type RejectReason string

const (
	ReasonInsufficientFunds RejectReason = "insufficient_funds"
	ReasonContention        RejectReason = "contention"
	ReasonExpired           RejectReason = "expired"
)

// Transfer is the immutable record of intent to move value between two
// wallets. A transfer transitions pending -> applied or pending -> rejected
// exactly once and never reverses.
type Transfer struct {
	ID             string         `json:"id"`
	Source         string         `json:"source_account"`
	Dest           string         `json:"dest_account"`
	Amount         int64          `json:"amount"`
	Status         TransferStatus `json:"status"`
	RejectReason   RejectReason   `json:"rejection_reason,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Seq            int64          `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty"`
}

// TransferID derives the transfer identifier deterministically from the
// idempotency key: "0x" + 64 hex characters, the same shape as an
// on-chain transaction hash. Retries with the same key always name the
// same transfer.
func TransferID(idempotencyKey string) string {
	sum := sha256.Sum256([]byte("transfer:" + idempotencyKey))
	return "0x" + hex.EncodeToString(sum[:])
}

// SubmitRequest is the input to the transfer engine.
type SubmitRequest struct {
	Source         string `json:"source_account"`
	Dest           string `json:"dest_account"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
	RequestHash    string `json:"-"`
}

// TransferOutcome is the finalized result of a submit call. It doubles
// as the snapshot stored against the idempotency key so a retried
// request replays the original response without re-executing anything.
type TransferOutcome struct {
	TransferID    string         `json:"transfer_id"`
	Status        TransferStatus `json:"status"`
	RejectReason  RejectReason   `json:"rejection_reason,omitempty"`
	Amount        int64          `json:"amount"`
	SourceBalance int64          `json:"source_balance"`
	DestBalance   int64          `json:"dest_balance"`
	Replayed      bool           `json:"-"`
}
