// Package notify turns transfer events into per-wallet notifications.
// Delivery is fire and forget: a full queue drops the event, and no
// failure here ever reaches back into transfer status.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-tech/walletd/internal/domain"
	"github.com/custodia-tech/walletd/internal/store"
)

type Sink struct {
	store    store.Store
	queue    chan domain.Event
	workers  int
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewSink(s store.Store, workers, buffer int, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 3
	}
	if buffer <= 0 {
		buffer = 1024
	}

	sink := &Sink{
		store:    s,
		queue:    make(chan domain.Event, buffer),
		workers:  workers,
		shutdown: make(chan struct{}),
		logger:   logger,
	}
	sink.startWorkers()
	return sink
}

// Publish enqueues an event without blocking. It reports false when the
// queue is full and the event was dropped.
func (s *Sink) Publish(event domain.Event) bool {
	select {
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *Sink) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.queue:
			s.process(event, id)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Sink) process(event domain.Event, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, n := range notificationsFor(event) {
		if err := s.store.CreateNotification(ctx, n); err != nil {
			s.logger.Error("failed to store notification",
				slog.String("wallet", n.Address),
				slog.String("transfer_id", event.TransferID),
				slog.Int("worker_id", workerID),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("notification stored",
			slog.String("wallet", n.Address),
			slog.String("type", string(n.Type)),
			slog.Int("worker_id", workerID))
	}
}

// notificationsFor fans one transfer event out to both wallets involved.
func notificationsFor(event domain.Event) []*domain.Notification {
	switch event.Status {
	case domain.TransferApplied:
		return []*domain.Notification{
			domain.NewNotification(event.Source,
				fmt.Sprintf("Sent %d to %s", event.Amount, event.Dest),
				domain.NotifySuccess),
			domain.NewNotification(event.Dest,
				fmt.Sprintf("Received %d from %s", event.Amount, event.Source),
				domain.NotifySuccess),
		}
	case domain.TransferRejected:
		return []*domain.Notification{
			domain.NewNotification(event.Source,
				fmt.Sprintf("Transfer of %d to %s failed: %s", event.Amount, event.Dest, event.Reason),
				domain.NotifyError),
		}
	}
	return nil
}

func (s *Sink) Shutdown(ctx context.Context) error {
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("notification sink shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
