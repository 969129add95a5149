package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically completes CONFIRMED bookings whose check-out has passed.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new booking completion timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Timer{
		service:  service,
		store:    service.store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the completion loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCompleteDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeCompleteDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in booking completion timer", "panic", fmt.Sprint(r))
		}
	}()
	t.CompleteDue(ctx)
}

// CompleteDue completes every due booking and returns how many it completed.
func (t *Timer) CompleteDue(ctx context.Context) int {
	due, err := t.store.ListDue(ctx, t.service.now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list due bookings", "error", err)
		return 0
	}

	completed := 0
	for _, b := range due {
		_, err := t.service.Complete(ctx, b.ID)
		switch {
		case err == nil:
			completed++
			completionsRun.WithLabelValues("completed").Inc()
		case errors.Is(err, ErrInvalidTransition):
			// Cancelled between listing and completing.
			completionsRun.WithLabelValues("skipped").Inc()
		default:
			completionsRun.WithLabelValues("error").Inc()
			t.logger.Warn("failed to complete booking", "bookingId", b.ID, "error", err)
		}
	}
	if completed > 0 {
		t.logger.Info("completed due bookings", "count", completed)
	}
	return completed
}
