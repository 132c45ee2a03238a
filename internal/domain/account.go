package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// Account represents a custodial wallet and its balance in the ledger.
// Balance is held in integer minor units; Version is bumped on every
// balance mutation and acts as the optimistic-concurrency token.
type Account struct {
	Address      string        `json:"address"`
	Balance      int64         `json:"balance"`
	Version      int64         `json:"version"`
	Status       AccountStatus `json:"status"`
	PrivateKey   string        `json:"-"`
	PasswordHash string        `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (a *Account) Closed() bool {
	return a.Status == AccountClosed
}

// NewAddress generates a wallet address: "0x" followed by 40 hex
// characters (20 random bytes). The space is large enough that a
// collision is negligible, but creation still re-checks for one.
func NewAddress() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return "0x" + hex.EncodeToString(b)
}

// NewPrivateKey generates a mock private key: 64 hex characters.
// No real key derivation happens anywhere in this service.
func NewPrivateKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
