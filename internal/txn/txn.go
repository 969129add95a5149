// Package txn provides a context-carried unit of work so that ledger, escrow,
// booking and lead changes made by one operation commit or roll back together.
//
// Stores never begin transactions on their own when a unit is active: they ask
// the context for the current querier with Q or Exec, and register in-memory
// undo steps with OnRollback.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Runner executes fn inside a unit of work. A nested Run joins the outer unit.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is the subset of *sql.DB and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

type unit struct {
	tx          *sql.Tx
	mu          sync.Mutex
	onRollback  []func()
	afterCommit []func()
}

func current(ctx context.Context) *unit {
	u, _ := ctx.Value(ctxKey{}).(*unit)
	return u
}

// InUnit reports whether ctx carries an active unit of work.
func InUnit(ctx context.Context) bool {
	return current(ctx) != nil
}

// OnRollback registers an undo step that runs, in reverse order, if the unit fails.
// Outside a unit it is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	u := current(ctx)
	if u == nil {
		return
	}
	u.mu.Lock()
	u.onRollback = append(u.onRollback, fn)
	u.mu.Unlock()
}

// AfterCommit registers fn to run once the unit commits. Outside a unit fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	u := current(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.afterCommit = append(u.afterCommit, fn)
	u.mu.Unlock()
}

func (u *unit) rollback() {
	u.mu.Lock()
	steps := u.onRollback
	u.onRollback = nil
	u.afterCommit = nil
	u.mu.Unlock()
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
}

func (u *unit) committed() {
	u.mu.Lock()
	hooks := u.afterCommit
	u.afterCommit = nil
	u.onRollback = nil
	u.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Q returns the active SQL transaction if ctx carries one, otherwise db.
func Q(ctx context.Context, db *sql.DB) Querier {
	if u := current(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// WithTx runs fn against the active SQL transaction, or against a short
// transaction of its own when no unit is active. Stores use it for multi-statement
// writes that must be atomic either way.
func WithTx(ctx context.Context, db *sql.DB, fn func(q Querier) error) error {
	if u := current(ctx); u != nil && u.tx != nil {
		return fn(u.tx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SQLRunner runs units of work inside a database/sql transaction.
type SQLRunner struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLRunner creates a runner using READ COMMITTED isolation. Stores take
// row locks (SELECT ... FOR UPDATE) for the rows they mutate.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

// Run implements Runner.
func (r *SQLRunner) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if current(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	u := &unit{tx: tx}
	uctx := context.WithValue(ctx, ctxKey{}, u)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			u.rollback()
			panic(p)
		}
	}()

	if err := fn(uctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		u.rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		u.rollback()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	u.committed()
	return nil
}

// MemoryRunner serializes units of work with a single lock and undoes
// registered in-memory changes on failure. For development and tests.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a MemoryRunner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// Run implements Runner.
func (r *MemoryRunner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if current(ctx) != nil {
		return fn(ctx)
	}

	r.mu.Lock()
	u := &unit{}
	uctx := context.WithValue(ctx, ctxKey{}, u)

	committed := false
	defer func() {
		if !committed {
			u.rollback()
		}
		r.mu.Unlock()
		if committed {
			u.committed()
		}
	}()

	if err := fn(uctx); err != nil {
		return err
	}
	committed = true
	return nil
}

var (
	_ Runner = (*SQLRunner)(nil)
	_ Runner = (*MemoryRunner)(nil)
)
