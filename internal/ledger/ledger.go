// Package ledger tracks user wallet balances as an append-only transaction log.
//
// Flow:
//  1. A provider event or an explicit action appends a Transaction
//  2. COMPLETED rows adjust the WalletAccount balance in the same atomic unit
//  3. PENDING rows settle exactly once to COMPLETED or FAILED
//  4. The balance is always the sum of the account's COMPLETED rows
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hearthhq/hearth/internal/idgen"
)

var (
	// ErrDuplicateEvent signals that a row with the same external event id already
	// exists. Callers treat it as "already applied", not as a failure.
	ErrDuplicateEvent      = errors.New("ledger: duplicate external event")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrImmutable           = errors.New("ledger: transaction is immutable")
	ErrInvalidTransaction  = errors.New("ledger: invalid transaction")
)

// Kind is the business meaning of a ledger row.
type Kind string

const (
	KindDeposit       Kind = "DEPOSIT"
	KindLeadPurchase  Kind = "LEAD_PURCHASE"
	KindRefund        Kind = "REFUND"
	KindEscrowCapture Kind = "ESCROW_CAPTURE"
	KindEscrowRelease Kind = "ESCROW_RELEASE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindLeadPurchase, KindRefund, KindEscrowCapture, KindEscrowRelease:
		return true
	}
	return false
}

// Status is the settlement state of a ledger row.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Transaction is one row of the wallet log.
//
// Amount is the signed wallet delta applied to UserID when the row is COMPLETED.
// Gross is the money the provider moved, which differs from Amount for card-side
// escrow rows that never touch the wallet.
type Transaction struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Amount          int64      `json:"amountMinorUnits"`
	Gross           int64      `json:"grossMinorUnits"`
	Currency        string     `json:"currency"`
	Kind            Kind       `json:"kind"`
	ExternalEventID string     `json:"externalEventId,omitempty"`
	Reference       string     `json:"reference,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	SettledAt       *time.Time `json:"settledAt,omitempty"`
}

// Account is a user's wallet.
type Account struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balanceMinorUnits"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryQuery selects a page of an account's transactions, newest first.
type HistoryQuery struct {
	UserID   string
	BeforeAt time.Time // zero = from the newest
	BeforeID string
	Limit    int
}

// Store persists the ledger. Append and Settle must apply the row and the
// balance change atomically, serialized per account.
type Store interface {
	Append(ctx context.Context, tx *Transaction) error
	Settle(ctx context.Context, id string, status Status) (*Transaction, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByExternalID(ctx context.Context, externalEventID string) (*Transaction, error)
	History(ctx context.Context, q HistoryQuery) ([]*Transaction, error)
	SumCompleted(ctx context.Context, userID string) (int64, error)
	ListAccounts(ctx context.Context, limit int) ([]*Account, error)
}

// Ledger is the wallet service used by the escrow, lead and reconciler packages.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store to the reconciliation sweep.
func (l *Ledger) Store() Store {
	return l.store
}

// AppendTransaction validates and appends tx. It returns ErrDuplicateEvent when
// tx.ExternalEventID was already recorded, and ErrInsufficientBalance when a
// COMPLETED debit would take the balance below zero. Neither changes anything.
func (l *Ledger) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	done := observeOp("append")
	defer done()

	if tx == nil || tx.UserID == "" || !tx.Kind.Valid() {
		return nil, ErrInvalidTransaction
	}
	switch tx.Status {
	case "":
		tx.Status = StatusCompleted
	case StatusPending, StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: cannot append with status %s", ErrInvalidTransaction, tx.Status)
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix(idgen.TransactionPrefix)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Currency = strings.ToLower(tx.Currency)

	if err := l.store.Append(ctx, tx); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEvent):
			duplicateEvents.Inc()
		case errors.Is(err, ErrInsufficientBalance):
			rejectedDebits.Inc()
		}
		return nil, err
	}
	appendedRows.WithLabelValues(string(tx.Kind), string(tx.Status)).Inc()
	return tx, nil
}

// SettleTransaction moves a PENDING row to COMPLETED or FAILED. Settling a row that
// already has the requested status is a no-op; any other change is ErrImmutable.
func (l *Ledger) SettleTransaction(ctx context.Context, id string, status Status) (*Transaction, error) {
	done := observeOp("settle")
	defer done()

	if status != StatusCompleted && status != StatusFailed {
		return nil, fmt.Errorf("%w: cannot settle to %s", ErrInvalidTransaction, status)
	}
	return l.store.Settle(ctx, id, status)
}

// GetBalance returns the user's current balance in minor units.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetAccount returns the user's wallet account, zero-valued when none exists yet.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// GetByExternalID returns the row recorded for a provider event id.
func (l *Ledger) GetByExternalID(ctx context.Context, externalEventID string) (*Transaction, error) {
	return l.store.GetByExternalID(ctx, externalEventID)
}

// History returns up to limit rows, newest first.
func (l *Ledger) History(ctx context.Context, q HistoryQuery) ([]*Transaction, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	return l.store.History(ctx, q)
}

// ListAccounts returns up to limit wallet accounts.
func (l *Ledger) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	return l.store.ListAccounts(ctx, limit)
}

// Verify compares an account's stored balance with the sum of its COMPLETED rows.
// It returns the stored balance and the computed sum.
func (l *Ledger) Verify(ctx context.Context, userID string) (stored, computed int64, err error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := l.store.SumCompleted(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return acct.Balance, sum, nil
}
