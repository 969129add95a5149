// Package reconciliation sweeps for money the request paths and webhooks
// left unresolved: escrow of cancelled bookings, abandoned holds, and wallet
// balances that drifted from their ledger rows.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/traces"
)

const batchSize = 100

// Orphan is a hold still carrying money for a booking that was cancelled.
type Orphan struct {
	HoldID      string        `json:"holdId"`
	BookingID   string        `json:"bookingId"`
	Status      escrow.Status `json:"status"`
	CancelledAt time.Time     `json:"cancelledAt"`
}

// OrphanFinder lists orphans whose booking was cancelled before cutoff.
type OrphanFinder interface {
	FindOrphans(ctx context.Context, cutoff time.Time, limit int) ([]Orphan, error)
}

// Escrow releases the holds the sweep finds.
type Escrow interface {
	ReleaseForSubject(ctx context.Context, subjectType escrow.SubjectType, subjectID string) (*escrow.Hold, error)
	CancelHold(ctx context.Context, holdID string) (*escrow.Hold, error)
	Store() escrow.Store
}

// Accounts checks wallet balances against the ledger.
type Accounts interface {
	ListAccounts(ctx context.Context, limit int) ([]*ledger.Account, error)
	Verify(ctx context.Context, userID string) (stored, computed int64, err error)
}

// Mismatch is a wallet whose stored balance differs from its COMPLETED rows.
type Mismatch struct {
	UserID   string `json:"userId"`
	Stored   int64  `json:"storedMinorUnits"`
	Computed int64  `json:"computedMinorUnits"`
}

// Report is the outcome of one sweep.
type Report struct {
	StartedAt       time.Time  `json:"startedAt"`
	DurationMs      int64      `json:"durationMs"`
	OrphansFound    int        `json:"orphansFound"`
	OrphansReleased int        `json:"orphansReleased"`
	StaleFound      int        `json:"staleHoldsFound"`
	StaleCancelled  int        `json:"staleHoldsCancelled"`
	AccountsChecked int        `json:"accountsChecked"`
	Mismatches      []Mismatch `json:"mismatches"`
	Errors          []string   `json:"errors,omitempty"`
}

// Runner runs the reconciliation checks.
type Runner struct {
	orphans  OrphanFinder
	escrow   Escrow
	accounts Accounts
	grace    time.Duration
	expiry   time.Duration
	logger   *slog.Logger
	now      func() time.Time
	last     atomic.Pointer[Report]
}

// NewRunner creates a reconciliation runner.
func NewRunner(orphans OrphanFinder, esc Escrow, accounts Accounts, logger *slog.Logger) *Runner {
	return &Runner{
		orphans:  orphans,
		escrow:   esc,
		accounts: accounts,
		grace:    15 * time.Minute,
		expiry:   24 * time.Hour,
		logger:   logger,
		now:      time.Now,
	}
}

// WithWindows sets how long a cancelled booking may keep its escrow and how
// long an unpaid hold may stay open.
func (r *Runner) WithWindows(orphanGrace, holdExpiry time.Duration) *Runner {
	if orphanGrace > 0 {
		r.grace = orphanGrace
	}
	if holdExpiry > 0 {
		r.expiry = holdExpiry
	}
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// RunAll runs every check. A check that cannot list its candidates fails the
// run; failures on single items are recorded in the report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer span.End()

	start := r.now()
	report := &Report{StartedAt: start.UTC(), Mismatches: []Mismatch{}}

	var errs []error
	for _, check := range []func(context.Context, *Report) error{
		r.releaseOrphans,
		r.cancelStaleHolds,
		r.verifyLedger,
	} {
		if err := check(ctx, report); err != nil {
			reconcileErrors.Inc()
			report.Errors = append(report.Errors, err.Error())
			errs = append(errs, err)
		}
	}

	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())
	r.last.Store(report)

	r.logger.Info("reconciliation run finished",
		"orphans", report.OrphansFound, "released", report.OrphansReleased,
		"stale", report.StaleFound, "cancelled", report.StaleCancelled,
		"accounts", report.AccountsChecked, "mismatches", len(report.Mismatches),
		"errors", len(report.Errors))
	return report, errors.Join(errs...)
}

func (r *Runner) releaseOrphans(ctx context.Context, report *Report) error {
	orphans, err := r.orphans.FindOrphans(ctx, r.now().Add(-r.grace), batchSize)
	if err != nil {
		return fmt.Errorf("orphaned holds: %w", err)
	}
	report.OrphansFound = len(orphans)
	reconcileOrphanedHolds.Set(float64(len(orphans)))

	released := make(map[string]bool)
	for _, o := range orphans {
		if released[o.BookingID] {
			continue
		}
		if _, err := r.escrow.ReleaseForSubject(ctx, escrow.SubjectBooking, o.BookingID); err != nil {
			reconcileErrors.Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("release booking %s: %v", o.BookingID, err))
			r.logger.Warn("failed to release orphaned escrow", "bookingId", o.BookingID, "holdId", o.HoldID, "error", err)
			continue
		}
		released[o.BookingID] = true
		report.OrphansReleased++
		r.logger.Info("released orphaned escrow", "bookingId", o.BookingID, "holdId", o.HoldID, "status", o.Status)
	}
	return nil
}

func (r *Runner) cancelStaleHolds(ctx context.Context, report *Report) error {
	stale, err := r.escrow.Store().ListStale(ctx, escrow.StatusCreated, r.now().Add(-r.expiry), batchSize)
	if err != nil {
		return fmt.Errorf("stale holds: %w", err)
	}
	report.StaleFound = len(stale)
	reconcileStaleHolds.Set(float64(len(stale)))

	for _, h := range stale {
		if _, err := r.escrow.CancelHold(ctx, h.ID); err != nil {
			if errors.Is(err, escrow.ErrInvalidStatus) {
				// Paid between listing and cancelling.
				continue
			}
			reconcileErrors.Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("cancel hold %s: %v", h.ID, err))
			r.logger.Warn("failed to cancel stale hold", "holdId", h.ID, "error", err)
			continue
		}
		report.StaleCancelled++
	}
	return nil
}

func (r *Runner) verifyLedger(ctx context.Context, report *Report) error {
	accounts, err := r.accounts.ListAccounts(ctx, 10000)
	if err != nil {
		return fmt.Errorf("ledger accounts: %w", err)
	}
	for _, a := range accounts {
		stored, computed, err := r.accounts.Verify(ctx, a.UserID)
		if err != nil {
			reconcileErrors.Inc()
			report.Errors = append(report.Errors, fmt.Sprintf("verify %s: %v", a.UserID, err))
			continue
		}
		report.AccountsChecked++
		if stored != computed {
			report.Mismatches = append(report.Mismatches, Mismatch{UserID: a.UserID, Stored: stored, Computed: computed})
			r.logger.Error("wallet balance drifted from ledger",
				"userId", a.UserID, "stored", stored, "computed", computed)
		}
	}
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	return nil
}
