package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// DBSource is the postgres connection string. Empty selects the
	// in-memory store, which is only suitable for a single node.
	DBSource string
	Port     string
	Env      string

	JWTSecret string
	TokenTTL  time.Duration

	InitialBalance int64

	MaxApplyAttempts int
	RetryBaseDelay   time.Duration
	SubmitTimeout    time.Duration

	SweepInterval        time.Duration
	PendingAbandonAfter  time.Duration
	IdempotencyRetention time.Duration

	NotifyWorkers int
	NotifyBuffer  int

	AllowedOrigin string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:             os.Getenv("DB_SOURCE"),
		Port:                 envOr("SERVER_PORT", "8080"),
		Env:                  envOr("ENVIRONMENT", "development"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AllowedOrigin:        envOr("ALLOWED_ORIGIN", "http://localhost:3000"),
		TokenTTL:             30 * time.Minute,
		InitialBalance:       3_340_000_000,
		MaxApplyAttempts:     5,
		RetryBaseDelay:       5 * time.Millisecond,
		SubmitTimeout:        5 * time.Second,
		SweepInterval:        time.Minute,
		PendingAbandonAfter:  5 * time.Minute,
		IdempotencyRetention: 24 * time.Hour,
		NotifyWorkers:        3,
		NotifyBuffer:         1024,
	}

	if cfg.JWTSecret == "" {
		if cfg.Env != "development" {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required outside development")
		}
		cfg.JWTSecret = "dev-only-secret"
	}

	var err error
	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.InitialBalance, err = envInt64("INITIAL_BALANCE", cfg.InitialBalance); err != nil {
		return nil, err
	}
	if cfg.MaxApplyAttempts, err = envInt("MAX_APPLY_ATTEMPTS", cfg.MaxApplyAttempts); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = envDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.SubmitTimeout, err = envDuration("SUBMIT_TIMEOUT", cfg.SubmitTimeout); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.PendingAbandonAfter, err = envDuration("PENDING_ABANDON_AFTER", cfg.PendingAbandonAfter); err != nil {
		return nil, err
	}
	if cfg.IdempotencyRetention, err = envDuration("IDEMPOTENCY_RETENTION", cfg.IdempotencyRetention); err != nil {
		return nil, err
	}
	if cfg.NotifyWorkers, err = envInt("NOTIFY_WORKERS", cfg.NotifyWorkers); err != nil {
		return nil, err
	}
	if cfg.NotifyBuffer, err = envInt("NOTIFY_BUFFER", cfg.NotifyBuffer); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
