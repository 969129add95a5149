package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/txn"
)

// Deferred means a provider event is ahead of the hold's recorded state, such
// as a refund reported before the capture. Redelivery will apply it.
const Deferred Decision = "deferred"

// Observation is a provider-reported fact about a hold's payment.
type Observation struct {
	EventID           string
	ProviderReference string
	Amount            int64
}

// Payment is a provider-confirmed payment with no hold on file, described by
// the event metadata alone.
type Payment struct {
	EventID  string
	PayerID  string
	Kind     ledger.Kind
	LeadID   string
	Amount   int64
	Currency string
}

// ApplyStatus moves a hold to target on behalf of a provider event. It must run
// inside the caller's unit of work. Only an Apply decision changes anything;
// the returned hold is the locked, current row.
func (s *Service) ApplyStatus(ctx context.Context, holdID string, target Status, obs Observation) (*Hold, Decision, error) {
	h, err := s.store.GetForUpdate(ctx, holdID)
	if err != nil {
		return nil, "", err
	}

	d := Decide(h.Status, target)
	if d != Apply {
		return h, d, nil
	}

	if h.ProviderReference == "" && obs.ProviderReference != "" {
		h.ProviderReference = obs.ProviderReference
	}
	amount := obs.Amount
	if amount <= 0 {
		amount = h.Amount
	}
	if amount != h.Amount {
		s.logger.Warn("provider amount differs from hold",
			"holdId", h.ID, "holdAmount", h.Amount, "providerAmount", amount)
	}

	switch target {
	case StatusAuthorized:
		err = s.recordAuthorization(ctx, h, amount)
	case StatusCaptured:
		err = s.recordCapture(ctx, h, obs.EventID, amount)
	case StatusCancelled:
		err = s.recordCancel(ctx, h)
	default:
		err = fmt.Errorf("%w: provider events cannot move a hold to %s", ErrInvalidStatus, target)
	}
	if err != nil {
		return nil, "", err
	}
	return h, Apply, nil
}

// ApplyRefund records a provider-reported refund of a captured hold inside the
// caller's unit of work. The refund id is the ledger row's external event id,
// so a refund issued through Refund and its webhook record one row.
func (s *Service) ApplyRefund(ctx context.Context, holdID, refundID string, amount int64) (*Hold, Decision, error) {
	h, err := s.store.GetForUpdate(ctx, holdID)
	if err != nil {
		return nil, "", err
	}

	if _, err := s.ledger.GetByExternalID(ctx, refundID); err == nil {
		return h, AlreadyApplied, nil
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, "", err
	}

	switch h.Status {
	case StatusCaptured:
	case StatusCreated, StatusAuthorized:
		return h, Deferred, nil
	default:
		return h, Anomaly, nil
	}
	if amount <= 0 || amount > h.Remaining() {
		return h, Anomaly, nil
	}

	applied, err := s.recordRefund(ctx, h, refundID, amount)
	if err != nil {
		return nil, "", err
	}
	if !applied {
		return h, AlreadyApplied, nil
	}
	return h, Apply, nil
}

// RecordPayment books a payment that has no hold on file inside the caller's
// unit of work. Only wallet deposits and lead purchases can be booked this way.
func (s *Service) RecordPayment(ctx context.Context, p Payment) ([]*ledger.Transaction, error) {
	switch p.Kind {
	case ledger.KindDeposit, ledger.KindLeadPurchase:
	default:
		return nil, fmt.Errorf("%w: %s payment has no hold", ErrHoldNotFound, p.Kind)
	}
	if p.PayerID == "" || p.Amount <= 0 || p.EventID == "" {
		return nil, fmt.Errorf("%w: incomplete payment", ErrInvalidRequest)
	}
	if p.Kind == ledger.KindLeadPurchase && p.LeadID == "" {
		return nil, fmt.Errorf("%w: lead purchase without a lead id", ErrInvalidRequest)
	}

	h := &Hold{
		PayerID:  p.PayerID,
		Kind:     p.Kind,
		LeadID:   p.LeadID,
		Amount:   p.Amount,
		Currency: strings.ToLower(p.Currency),
	}
	rows, err := s.appendPaymentRows(ctx, h, p.EventID, p.Amount)
	if err != nil {
		return nil, err
	}
	for _, l := range s.listeners {
		if err := l.HoldCaptured(ctx, h, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// recordAuthorization marks a card-side escrow authorization with a PENDING
// row that settles when the hold is captured or cancelled.
func (s *Service) recordAuthorization(ctx context.Context, h *Hold, amount int64) error {
	if h.Kind == ledger.KindEscrowCapture {
		_, err := s.ledger.AppendTransaction(ctx, &ledger.Transaction{
			UserID:          h.PayerID,
			Amount:          0,
			Gross:           amount,
			Currency:        h.Currency,
			Kind:            ledger.KindEscrowCapture,
			ExternalEventID: authorizationKey(h.ID),
			Reference:       h.ID,
			Status:          ledger.StatusPending,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
			return err
		}
	}
	return s.transition(ctx, h, StatusAuthorized)
}

// recordCapture books the money of a capture and moves h to CAPTURED. An
// authorized hold completes its authorization row; anything else appends the
// rows for its kind keyed by eventID.
func (s *Service) recordCapture(ctx context.Context, h *Hold, eventID string, amount int64) error {
	var rows []*ledger.Transaction
	if h.Status == StatusAuthorized {
		row, err := s.settleAuthorization(ctx, h.ID, ledger.StatusCompleted)
		if err != nil {
			return err
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		var err error
		if rows, err = s.appendPaymentRows(ctx, h, eventID, amount); err != nil {
			return err
		}
	}

	if err := s.transition(ctx, h, StatusCaptured); err != nil {
		return err
	}
	for _, l := range s.listeners {
		if err := l.HoldCaptured(ctx, h, rows); err != nil {
			return err
		}
	}
	return nil
}

// recordCancel voids h. Only an authorization moved money provider-side, so
// only that case leaves an ESCROW_RELEASE row.
func (s *Service) recordCancel(ctx context.Context, h *Hold) error {
	if h.Status == StatusAuthorized {
		if _, err := s.settleAuthorization(ctx, h.ID, ledger.StatusFailed); err != nil {
			return err
		}
		_, err := s.ledger.AppendTransaction(ctx, &ledger.Transaction{
			UserID:          h.PayerID,
			Amount:          0,
			Gross:           h.Amount,
			Currency:        h.Currency,
			Kind:            ledger.KindEscrowRelease,
			ExternalEventID: cancelKey(h.ID),
			Reference:       h.ID,
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
			return err
		}
	}
	return s.transition(ctx, h, StatusCancelled)
}

// recordRefund appends the REFUND row and raises the refunded total. It
// reports false when the refund was already recorded.
func (s *Service) recordRefund(ctx context.Context, h *Hold, refundID string, amount int64) (bool, error) {
	// The refund webhook may land before the explicit call that issued it
	// records the result; the refunded total already includes it then.
	if _, err := s.ledger.GetByExternalID(ctx, refundID); err == nil {
		return false, nil
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return false, err
	}

	if amount <= 0 || h.Refunded+amount > h.Amount {
		return false, fmt.Errorf("%w: refund of %d with %d remaining", ErrInvalidAmount, amount, h.Remaining())
	}

	var delta int64
	if h.Kind == ledger.KindDeposit {
		balance, err := s.ledger.GetBalance(ctx, h.PayerID)
		if err != nil {
			return false, err
		}
		delta = -min(amount, balance)
		if -delta < amount {
			s.logger.Warn("wallet short for deposit refund, debiting what is left",
				"holdId", h.ID, "payer", h.PayerID, "refund", amount, "balance", balance)
		}
	}

	_, err := s.ledger.AppendTransaction(ctx, &ledger.Transaction{
		UserID:          h.PayerID,
		Amount:          delta,
		Gross:           amount,
		Currency:        h.Currency,
		Kind:            ledger.KindRefund,
		ExternalEventID: refundID,
		Reference:       h.ID,
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	h.Refunded += amount
	h.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, h); err != nil {
		return false, err
	}
	currency := h.Currency
	txn.AfterCommit(ctx, func() {
		refundedMinorUnits.WithLabelValues(currency).Add(float64(amount))
	})
	return true, nil
}

// appendPaymentRows books a captured payment by kind:
//
//	DEPOSIT         +amount to the payer's wallet
//	LEAD_PURCHASE   +amount funding deposit, then -amount purchase (net zero)
//	ESCROW_CAPTURE  zero wallet delta, the money stays card-side
func (s *Service) appendPaymentRows(ctx context.Context, h *Hold, eventID string, amount int64) ([]*ledger.Transaction, error) {
	row := func(kind ledger.Kind, delta int64, ext, ref string) *ledger.Transaction {
		return &ledger.Transaction{
			UserID:          h.PayerID,
			Amount:          delta,
			Gross:           amount,
			Currency:        h.Currency,
			Kind:            kind,
			ExternalEventID: ext,
			Reference:       ref,
		}
	}

	var planned []*ledger.Transaction
	switch h.Kind {
	case ledger.KindDeposit:
		planned = append(planned, row(ledger.KindDeposit, amount, eventID, h.ID))
	case ledger.KindLeadPurchase:
		planned = append(planned,
			row(ledger.KindDeposit, amount, eventID+":funding", h.ID),
			row(ledger.KindLeadPurchase, -amount, eventID, h.LeadID),
		)
	case ledger.KindEscrowCapture:
		planned = append(planned, row(ledger.KindEscrowCapture, 0, eventID, h.ID))
	default:
		return nil, fmt.Errorf("%w: cannot book a %s payment", ErrInvalidRequest, h.Kind)
	}

	rows := make([]*ledger.Transaction, 0, len(planned))
	for _, tx := range planned {
		appended, err := s.ledger.AppendTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, appended)
	}
	return rows, nil
}

// settleAuthorization settles the PENDING authorization row of a hold, if any.
func (s *Service) settleAuthorization(ctx context.Context, holdID string, status ledger.Status) (*ledger.Transaction, error) {
	row, err := s.ledger.GetByExternalID(ctx, authorizationKey(holdID))
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ledger.SettleTransaction(ctx, row.ID, status)
}
