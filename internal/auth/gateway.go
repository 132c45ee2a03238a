// Package auth is the gateway binding requests to wallet addresses. It
// issues and verifies bearer tokens and owns wallet registration,
// login, import and verification. The credential scheme is deliberately
// mock-grade; the ledger core never parses tokens itself.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

var (
	ErrUnauthorized = errors.New("invalid authentication credentials")
	ErrWeakPassword = errors.New("password must be at least 6 characters")
)

// collision on a 160-bit address space is negligible, but creation
// still re-checks before giving up.
const createAttempts = 3

type Gateway struct {
	store          store.Store
	secret         []byte
	tokenTTL       time.Duration
	initialBalance int64
	logger         *slog.Logger
}

func NewGateway(s store.Store, secret string, tokenTTL time.Duration, initialBalance int64, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}
	return &Gateway{
		store:          s,
		secret:         []byte(secret),
		tokenTTL:       tokenTTL,
		initialBalance: initialBalance,
		logger:         logger,
	}
}

// Wallet is what registration and import hand back to the caller. The
// private key is shown exactly once, at creation.
type Wallet struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`
	PrivateKey string `json:"private_key,omitempty"`
	Message    string `json:"message"`
}

// Session is the login result: a bearer token bound to one wallet.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Address     string `json:"address"`
	Balance     int64  `json:"balance"`
}

func (g *Gateway) Register(ctx context.Context, password string) (*Wallet, error) {
	if len(password) < 6 {
		return nil, ErrWeakPassword
	}

	var lastErr error
	for i := 0; i < createAttempts; i++ {
		account := &domain.Account{
			Address:      domain.NewAddress(),
			Balance:      g.initialBalance,
			Status:       domain.AccountActive,
			PrivateKey:   domain.NewPrivateKey(),
			PasswordHash: HashPassword(password),
			CreatedAt:    time.Now().UTC(),
		}
		err := g.store.CreateAccount(ctx, account)
		if err == nil {
			g.logger.Info("wallet registered", slog.String("address", account.Address))
			return &Wallet{
				Address:    account.Address,
				Balance:    account.Balance,
				PrivateKey: account.PrivateKey,
				Message:    "Wallet created successfully! Save your private key securely.",
			}, nil
		}
		if !errors.Is(err, store.ErrDuplicateAccount) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("address collision persisted: %w", lastErr)
}

func (g *Gateway) Login(ctx context.Context, address, password string) (*Session, error) {
	account, err := g.store.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	// Imported wallets have no password on file and authenticate by
	// address alone.
	if account.PasswordHash != "" && account.PasswordHash != HashPassword(password) {
		return nil, ErrUnauthorized
	}

	token, err := g.IssueToken(account.Address)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		Address:     account.Address,
		Balance:     account.Balance,
	}, nil
}

// Import loads an externally held wallet. An already known address is
// returned as-is rather than treated as an error.
func (g *Gateway) Import(ctx context.Context, address, privateKey string) (*Wallet, error) {
	if existing, err := g.store.GetAccount(ctx, address); err == nil {
		return &Wallet{
			Address: existing.Address,
			Balance: existing.Balance,
			Message: "Wallet already exists and has been loaded",
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	account := &domain.Account{
		Address:    address,
		Balance:    g.initialBalance,
		Status:     domain.AccountActive,
		PrivateKey: privateKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return &Wallet{
		Address: account.Address,
		Balance: account.Balance,
		Message: "Wallet imported successfully",
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, address string) (bool, error) {
	_, err := g.store.GetAccount(ctx, address)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (g *Gateway) IssueToken(address string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.tokenTTL)),
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("token signing failed: %w", err)
	}
	return signed, nil
}

// Authenticate resolves a bearer token to the wallet address it was
// issued for.
func (g *Gateway) Authenticate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// HashPassword is SHA-256 only, mirroring the mock service this backs.
// Real credential strength is out of scope here.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
