package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_SOURCE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.JWTSecret != "dev-only-secret" {
		t.Error("development must fall back to the dev secret")
	}
	if cfg.IdempotencyRetention != 24*time.Hour {
		t.Errorf("expected 24h retention, got %s", cfg.IdempotencyRetention)
	}
	if cfg.MaxApplyAttempts != 5 || cfg.SubmitTimeout != 5*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg)
	}
}

func TestLoad_RequiresSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT_SECRET is unset in production")
	}

	t.Setenv("JWT_SECRET", "prod-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWTSecret != "prod-secret" {
		t.Errorf("expected secret from environment, got %s", cfg.JWTSecret)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("INITIAL_BALANCE", "500")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("NOTIFY_WORKERS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" || cfg.InitialBalance != 500 || cfg.SweepInterval != 30*time.Second || cfg.NotifyWorkers != 7 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("MAX_APPLY_ATTEMPTS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed MAX_APPLY_ATTEMPTS")
	}
}
