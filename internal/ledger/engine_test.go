package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
	"github.com/custodia-tech/walletd/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memory.Store) {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	s := memory.NewStore()
	return NewEngine(s, nil, discardLogger(), cfg), s
}

func mustCreate(t *testing.T, s *memory.Store, address string, balance int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &domain.Account{
		Address: address, Balance: balance, Status: domain.AccountActive,
	})
	if err != nil {
		t.Fatalf("account setup failed: %v", err)
	}
}

func balanceOf(t *testing.T, s *memory.Store, address string) int64 {
	t.Helper()
	account, err := s.GetAccount(context.Background(), address)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	return account.Balance
}

func TestEngine_Submit_AppliesTransfer(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 100)

	outcome, err := engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 200, IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.TransferApplied {
		t.Fatalf("expected applied, got %s", outcome.Status)
	}
	if outcome.SourceBalance != 300 || outcome.DestBalance != 300 {
		t.Errorf("expected snapshot 300/300, got %d/%d", outcome.SourceBalance, outcome.DestBalance)
	}
	if balanceOf(t, s, "0xaa") != 300 || balanceOf(t, s, "0xbb") != 300 {
		t.Errorf("expected balances 300/300")
	}

	transfer, err := s.GetTransfer(context.Background(), outcome.TransferID)
	if err != nil {
		t.Fatalf("transfer not recorded: %v", err)
	}
	if transfer.Status != domain.TransferApplied || transfer.AppliedAt == nil {
		t.Errorf("expected applied transfer with timestamp, got %+v", transfer)
	}
}

func TestEngine_Submit_Validation(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)

	cases := []struct {
		name string
		req  domain.SubmitRequest
	}{
		{"self transfer", domain.SubmitRequest{Source: "0xaa", Dest: "0xaa", Amount: 10, IdempotencyKey: "k1"}},
		{"zero amount", domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: 0, IdempotencyKey: "k2"}},
		{"negative amount", domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: -5, IdempotencyKey: "k3"}},
		{"missing key", domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: 10}},
	}
	for _, tc := range cases {
		if _, err := engine.Submit(context.Background(), tc.req); !errors.Is(err, ErrInvalidTransfer) {
			t.Errorf("%s: expected ErrInvalidTransfer, got %v", tc.name, err)
		}
	}
}

// Drains account X to zero, then verifies the next transfer rejects
// without touching either balance.
func TestEngine_Submit_InsufficientFundsScenario(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 0)

	outcome, err := engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 500, IdempotencyKey: "drain",
	})
	if err != nil || outcome.Status != domain.TransferApplied {
		t.Fatalf("expected applied drain, got outcome=%+v err=%v", outcome, err)
	}
	if balanceOf(t, s, "0xaa") != 0 {
		t.Fatalf("expected source drained to 0")
	}

	outcome, err = engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 1, IdempotencyKey: "overdraw",
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if outcome == nil || outcome.Status != domain.TransferRejected || outcome.RejectReason != domain.ReasonInsufficientFunds {
		t.Fatalf("expected rejected outcome, got %+v", outcome)
	}
	if balanceOf(t, s, "0xaa") != 0 || balanceOf(t, s, "0xbb") != 500 {
		t.Error("rejected transfer must leave both balances unchanged")
	}

	transfer, _ := s.GetTransfer(context.Background(), outcome.TransferID)
	if transfer.RejectReason != domain.ReasonInsufficientFunds {
		t.Errorf("rejection reason must be queryable, got %+v", transfer)
	}
}

func TestEngine_Submit_IdempotentReplay(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 0)

	req := domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: 100, IdempotencyKey: "k1"}

	first, err := engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := engine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}

	if !second.Replayed {
		t.Error("expected replayed outcome")
	}
	if first.TransferID != second.TransferID || first.SourceBalance != second.SourceBalance {
		t.Errorf("replay must return the original outcome: %+v vs %+v", first, second)
	}
	if balanceOf(t, s, "0xaa") != 400 {
		t.Error("replay must not re-execute the transfer")
	}
}

func TestEngine_Submit_KeyReuseWithDifferentPayload(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 0)

	if _, err := engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 100, IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 250, IdempotencyKey: "k1",
	})
	if !errors.Is(err, store.ErrIdempotencyMismatch) {
		t.Errorf("expected ErrIdempotencyMismatch, got %v", err)
	}
}

// Concurrent submissions with the same key must apply exactly once and
// every caller must end up seeing the identical outcome.
func TestEngine_Submit_ConcurrentSameKey(t *testing.T) {
	engine, s := newTestEngine(t, Config{MaxAttempts: 10})
	mustCreate(t, s, "0xaa", 1000)
	mustCreate(t, s, "0xbb", 0)

	const callers = 8
	req := domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: 100, IdempotencyKey: "shared"}

	outcomes := make([]*domain.TransferOutcome, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			for {
				outcome, err := engine.Submit(context.Background(), req)
				if errors.Is(err, store.ErrDuplicateInFlight) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					t.Errorf("caller %d: unexpected error: %v", i, err)
					return
				}
				outcomes[i] = outcome
				return
			}
		}(i)
	}
	wg.Wait()

	if balanceOf(t, s, "0xaa") != 900 || balanceOf(t, s, "0xbb") != 100 {
		t.Fatalf("transfer applied more than once: %d/%d",
			balanceOf(t, s, "0xaa"), balanceOf(t, s, "0xbb"))
	}
	for i, outcome := range outcomes {
		if outcome == nil {
			t.Fatalf("caller %d got no outcome", i)
		}
		if outcome.TransferID != outcomes[0].TransferID {
			t.Errorf("caller %d saw a different transfer: %s", i, outcome.TransferID)
		}
	}
}

// N concurrent transfers of amount a out of a balance B with N*a > B:
// exactly floor(B/a) apply, the rest reject with insufficient funds.
func TestEngine_Submit_ConcurrentOverdrawFanOut(t *testing.T) {
	engine, s := newTestEngine(t, Config{MaxAttempts: 50})
	const (
		balance = 500
		amount  = 100
		callers = 10
	)
	mustCreate(t, s, "0xsrc", balance)
	for i := 0; i < callers; i++ {
		mustCreate(t, s, fmt.Sprintf("0xdst%02d", i), 0)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, rejected := 0, 0

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := engine.Submit(context.Background(), domain.SubmitRequest{
				Source:         "0xsrc",
				Dest:           fmt.Sprintf("0xdst%02d", i),
				Amount:         amount,
				IdempotencyKey: fmt.Sprintf("fan-%02d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, store.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("caller %d: unexpected error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if applied != balance/amount {
		t.Errorf("expected %d applied, got %d (rejected %d)", balance/amount, applied, rejected)
	}
	if rejected != callers-balance/amount {
		t.Errorf("expected %d rejected, got %d", callers-balance/amount, rejected)
	}
	if got := balanceOf(t, s, "0xsrc"); got != 0 {
		t.Errorf("expected source drained to 0, got %d", got)
	}
}

// Two transfers in opposite directions between the same pair must both
// finish; with deterministic leg ordering neither can block the other.
func TestEngine_Submit_OpposingTransfersNoDeadlock(t *testing.T) {
	engine, s := newTestEngine(t, Config{MaxAttempts: 20})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 500)

	done := make(chan error, 2)
	go func() {
		_, err := engine.Submit(context.Background(), domain.SubmitRequest{
			Source: "0xaa", Dest: "0xbb", Amount: 100, IdempotencyKey: "ab",
		})
		done <- err
	}()
	go func() {
		_, err := engine.Submit(context.Background(), domain.SubmitRequest{
			Source: "0xbb", Dest: "0xaa", Amount: 300, IdempotencyKey: "ba",
		})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("transfer failed: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("transfer blocked: possible deadlock")
		}
	}

	if balanceOf(t, s, "0xaa") != 700 || balanceOf(t, s, "0xbb") != 300 {
		t.Errorf("expected 700/300, got %d/%d", balanceOf(t, s, "0xaa"), balanceOf(t, s, "0xbb"))
	}
}

// Random concurrent traffic over a small account set: total value in
// the ledger never changes and no balance ever goes negative.
func TestEngine_Submit_ConservationUnderLoad(t *testing.T) {
	engine, s := newTestEngine(t, Config{MaxAttempts: 50})
	const (
		accounts = 6
		workers  = 8
		rounds   = 25
		initial  = 1000
	)
	addrs := make([]string, accounts)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("0xacct%02d", i)
		mustCreate(t, s, addrs[i], initial)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w + 1)))
			for r := 0; r < rounds; r++ {
				from := rng.Intn(accounts)
				to := rng.Intn(accounts)
				for to == from {
					to = rng.Intn(accounts)
				}
				_, err := engine.Submit(context.Background(), domain.SubmitRequest{
					Source:         addrs[from],
					Dest:           addrs[to],
					Amount:         int64(rng.Intn(200) + 1),
					IdempotencyKey: fmt.Sprintf("load-%d-%d", w, r),
				})
				if err != nil && !errors.Is(err, store.ErrInsufficientFunds) && !errors.Is(err, ErrContention) {
					t.Errorf("worker %d: unexpected error: %v", w, err)
				}
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, addr := range addrs {
		balance := balanceOf(t, s, addr)
		if balance < 0 {
			t.Errorf("account %s went negative: %d", addr, balance)
		}
		total += balance
	}
	if total != accounts*initial {
		t.Errorf("conservation violated: expected %d total, got %d", accounts*initial, total)
	}
}

func TestEngine_Submit_UnknownAccountReleasesKey(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)

	req := domain.SubmitRequest{Source: "0xaa", Dest: "0xghost", Amount: 10, IdempotencyKey: "k1"}
	if _, err := engine.Submit(context.Background(), req); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The key must not be wedged in-flight: a corrected retry with the
	// same key goes through.
	mustCreate(t, s, "0xghost", 0)
	outcome, err := engine.Submit(context.Background(), req)
	if err != nil || outcome.Status != domain.TransferApplied {
		t.Errorf("expected corrected retry to apply, got outcome=%+v err=%v", outcome, err)
	}
}

func TestEngine_Submit_ClosedAccount(t *testing.T) {
	engine, s := newTestEngine(t, Config{})
	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 0)
	_ = s.CloseAccount(context.Background(), "0xbb")

	_, err := engine.Submit(context.Background(), domain.SubmitRequest{
		Source: "0xaa", Dest: "0xbb", Amount: 10, IdempotencyKey: "k1",
	})
	if !errors.Is(err, store.ErrAccountClosed) {
		t.Errorf("expected ErrAccountClosed, got %v", err)
	}
}

func TestSweeper_ExpiresAbandonedTransfers(t *testing.T) {
	s := memory.NewStore()
	engine := NewEngine(s, nil, discardLogger(), Config{RetryBaseDelay: time.Millisecond})
	sweeper := NewSweeper(s, nil, discardLogger(), time.Minute, 5*time.Minute, 24*time.Hour)
	ctx := context.Background()

	mustCreate(t, s, "0xaa", 500)
	mustCreate(t, s, "0xbb", 0)

	// Simulate a submit abandoned after admission: in-flight key plus a
	// stale pending row.
	key := "abandoned"
	req := domain.SubmitRequest{Source: "0xaa", Dest: "0xbb", Amount: 100, IdempotencyKey: key}
	if _, _, err := s.BeginIdempotency(ctx, key, HashRequest(req)); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := s.CreateTransfer(ctx, &domain.Transfer{
		ID:             domain.TransferID(key),
		Source:         req.Source,
		Dest:           req.Dest,
		Amount:         req.Amount,
		Status:         domain.TransferPending,
		IdempotencyKey: key,
		CreatedAt:      time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	sweeper.Sweep(ctx)

	transfer, err := s.GetTransfer(ctx, domain.TransferID(key))
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	if transfer.Status != domain.TransferRejected || transfer.RejectReason != domain.ReasonExpired {
		t.Fatalf("expected rejected/expired, got %+v", transfer)
	}

	// A retry with the same key replays the expired outcome.
	outcome, err := engine.Submit(ctx, req)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired on replay, got %v", err)
	}
	if outcome == nil || !outcome.Replayed || outcome.RejectReason != domain.ReasonExpired {
		t.Errorf("expected replayed expired outcome, got %+v", outcome)
	}
	if balanceOf(t, s, "0xaa") != 500 {
		t.Error("expired transfer must not move funds")
	}
}
