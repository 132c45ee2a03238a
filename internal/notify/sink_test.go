package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store/memory"
)

func waitForNotifications(t *testing.T, s *memory.Store, address string, want int) []domain.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.ListNotifications(context.Background(), address)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications for %s", want, address)
	return nil
}

func TestSink_AppliedEventNotifiesBothWallets(t *testing.T) {
	s := memory.NewStore()
	sink := NewSink(s, 2, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sink.Shutdown(context.Background())

	ok := sink.Publish(domain.Event{
		TransferID: "0xt1",
		Source:     "0xaa",
		Dest:       "0xbb",
		Amount:     250,
		Status:     domain.TransferApplied,
		OccurredAt: time.Now(),
	})
	if !ok {
		t.Fatal("publish rejected with room in the queue")
	}

	sent := waitForNotifications(t, s, "0xaa", 1)
	if sent[0].Type != domain.NotifySuccess || !strings.Contains(sent[0].Message, "Sent 250 to 0xbb") {
		t.Errorf("unexpected source notification %+v", sent[0])
	}
	received := waitForNotifications(t, s, "0xbb", 1)
	if received[0].Type != domain.NotifySuccess || !strings.Contains(received[0].Message, "Received 250 from 0xaa") {
		t.Errorf("unexpected dest notification %+v", received[0])
	}
}

func TestSink_RejectedEventNotifiesSourceOnly(t *testing.T) {
	s := memory.NewStore()
	sink := NewSink(s, 1, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sink.Shutdown(context.Background())

	sink.Publish(domain.Event{
		TransferID: "0xt1",
		Source:     "0xaa",
		Dest:       "0xbb",
		Amount:     99,
		Status:     domain.TransferRejected,
		Reason:     domain.ReasonInsufficientFunds,
		OccurredAt: time.Now(),
	})

	got := waitForNotifications(t, s, "0xaa", 1)
	if got[0].Type != domain.NotifyError || !strings.Contains(got[0].Message, string(domain.ReasonInsufficientFunds)) {
		t.Errorf("unexpected notification %+v", got[0])
	}

	time.Sleep(20 * time.Millisecond)
	if other, _ := s.ListNotifications(context.Background(), "0xbb"); len(other) != 0 {
		t.Errorf("destination must not be notified on rejection, got %d", len(other))
	}
}

func TestSink_PublishDropsWhenFull(t *testing.T) {
	s := memory.NewStore()
	sink := NewSink(s, 1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Stop the workers so the queue cannot drain, then overfill it.
	if err := sink.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	event := domain.Event{TransferID: "0xt1", Source: "0xaa", Dest: "0xbb", Status: domain.TransferApplied}
	if !sink.Publish(event) {
		t.Fatal("first publish should fit the buffer")
	}
	if sink.Publish(event) {
		t.Error("publish into a full queue must report a drop")
	}
}

func TestSink_ShutdownCompletes(t *testing.T) {
	s := memory.NewStore()
	sink := NewSink(s, 3, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown did not complete: %v", err)
	}
}
