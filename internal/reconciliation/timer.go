package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the sweep on a fixed interval, plus once at startup so releases
// deferred before a restart are retried without waiting a full interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeps   atomic.Int64
}

// NewTimer creates a sweep timer. A non-positive interval means five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is live.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Sweeps reports how many sweeps the timer has started.
func (t *Timer) Sweeps() int64 {
	return t.sweeps.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.sweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// sweep bounds each run by the interval so a hung provider call cannot
// stack runs behind it.
func (t *Timer) sweep(ctx context.Context) {
	t.sweeps.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()
	if _, err := t.runner.RunAll(rctx); err != nil {
		t.logger.Warn("reconciliation sweep incomplete", "error", err)
	}
}
