// Package leads sells access to leads. A lead is unlocked once per user, paid
// either from the wallet or by card through a LEAD_UNLOCK escrow hold.
package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/idgen"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/txn"
)

var (
	ErrLeadNotFound    = errors.New("leads: lead not found")
	ErrAlreadyUnlocked = errors.New("leads: lead already unlocked")
	ErrUnlockNotFound  = errors.New("leads: lead not unlocked")
	ErrInvalidLead     = errors.New("leads: invalid lead")
)

// Lead is a catalog entry that can be bought.
type Lead struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Price     int64     `json:"priceMinorUnits"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnlockedLead records that a user paid for a lead.
type UnlockedLead struct {
	UserID        string    `json:"userId"`
	LeadID        string    `json:"leadId"`
	TransactionID string    `json:"transactionId"`
	UnlockedAt    time.Time `json:"unlockedAt"`
}

// Store persists the lead catalog and unlocks.
type Store interface {
	CreateLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	// Unlock inserts u, failing with ErrAlreadyUnlocked if the pair exists.
	Unlock(ctx context.Context, u *UnlockedLead) error
	GetUnlock(ctx context.Context, userID, leadID string) (*UnlockedLead, error)
	ListUnlocked(ctx context.Context, userID string, limit int) ([]*UnlockedLead, error)
}

// Service implements lead purchases.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	escrow *escrow.Service
	runner txn.Runner
	logger *slog.Logger
}

// NewService creates a new lead service.
func NewService(store Store, l *ledger.Ledger, esc *escrow.Service, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: l, escrow: esc, runner: runner, logger: logger}
}

// SubjectID is the escrow subject of a user's purchase of a lead.
func SubjectID(userID, leadID string) string {
	return userID + ":" + leadID
}

func walletKey(userID, leadID string) string {
	return "wallet:" + userID + ":" + leadID
}

// CreateLead adds a lead to the catalog.
func (s *Service) CreateLead(ctx context.Context, title string, price int64, currency string) (*Lead, error) {
	if price <= 0 || currency == "" {
		return nil, fmt.Errorf("%w: price and currency are required", ErrInvalidLead)
	}
	l := &Lead{
		ID:        idgen.WithPrefix(idgen.LeadPrefix),
		Title:     title,
		Price:     price,
		Currency:  strings.ToLower(currency),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateLead(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// GetLead returns a catalog lead.
func (s *Service) GetLead(ctx context.Context, id string) (*Lead, error) {
	return s.store.GetLead(ctx, id)
}

// IsUnlocked reports whether userID owns leadID.
func (s *Service) IsUnlocked(ctx context.Context, userID, leadID string) (bool, error) {
	_, err := s.store.GetUnlock(ctx, userID, leadID)
	if errors.Is(err, ErrUnlockNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListUnlocked returns the leads a user owns, newest first.
func (s *Service) ListUnlocked(ctx context.Context, userID string) ([]*UnlockedLead, error) {
	return s.store.ListUnlocked(ctx, userID, 100)
}

// PurchaseWithCard opens a card payment for a lead. The unlock is created when
// the provider reports the capture.
func (s *Service) PurchaseWithCard(ctx context.Context, userID, leadID string) (*escrow.Hold, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	unlocked, err := s.IsUnlocked(ctx, userID, leadID)
	if err != nil {
		return nil, err
	}
	if unlocked {
		return nil, ErrAlreadyUnlocked
	}

	return s.escrow.CreateHold(ctx, escrow.CreateHoldRequest{
		SubjectType: escrow.SubjectLeadUnlock,
		SubjectID:   SubjectID(userID, leadID),
		PayerID:     userID,
		Kind:        ledger.KindLeadPurchase,
		Amount:      lead.Price,
		Currency:    lead.Currency,
		LeadID:      lead.ID,
		Description: "Lead unlock",
	})
}

// UnlockWithWallet spends wallet balance on a lead. The debit and the unlock
// commit together; a short wallet fails with ledger.ErrInsufficientBalance.
func (s *Service) UnlockWithWallet(ctx context.Context, userID, leadID string) (*UnlockedLead, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	var out *UnlockedLead
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetUnlock(ctx, userID, leadID); err == nil {
			return ErrAlreadyUnlocked
		} else if !errors.Is(err, ErrUnlockNotFound) {
			return err
		}

		row, err := s.ledger.AppendTransaction(ctx, &ledger.Transaction{
			UserID:          userID,
			Amount:          -lead.Price,
			Gross:           lead.Price,
			Currency:        lead.Currency,
			Kind:            ledger.KindLeadPurchase,
			ExternalEventID: walletKey(userID, leadID),
			Reference:       lead.ID,
		})
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return ErrAlreadyUnlocked
		}
		if err != nil {
			return err
		}

		u := &UnlockedLead{UserID: userID, LeadID: leadID, TransactionID: row.ID, UnlockedAt: row.CreatedAt}
		if err := s.store.Unlock(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("lead unlocked with wallet", "user", userID, "leadId", leadID, "price", lead.Price)
	return out, nil
}

// HoldCaptured creates the unlock for a captured card purchase. It runs in the
// capturing unit of work, so the unlock commits with the ledger rows.
func (s *Service) HoldCaptured(ctx context.Context, h *escrow.Hold, rows []*ledger.Transaction) error {
	if h.Kind != ledger.KindLeadPurchase {
		return nil
	}
	var purchase *ledger.Transaction
	for _, r := range rows {
		if r.Kind == ledger.KindLeadPurchase {
			purchase = r
		}
	}
	if purchase == nil {
		return fmt.Errorf("%w: capture of lead hold %s has no purchase row", ErrInvalidLead, h.ID)
	}

	err := s.store.Unlock(ctx, &UnlockedLead{
		UserID:        h.PayerID,
		LeadID:        h.LeadID,
		TransactionID: purchase.ID,
		UnlockedAt:    purchase.CreatedAt,
	})
	if errors.Is(err, ErrAlreadyUnlocked) {
		// The payment is still recorded; the double charge needs a manual refund.
		s.logger.Warn("lead paid twice", "user", h.PayerID, "leadId", h.LeadID, "transactionId", purchase.ID)
		return nil
	}
	return err
}
