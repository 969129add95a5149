package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/idgen"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/retry"
	"github.com/hearthhq/hearth/internal/syncutil"
	"github.com/hearthhq/hearth/internal/traces"
	"github.com/hearthhq/hearth/internal/txn"
)

// TopUpPrefix prefixes the subject id of each wallet top-up.
const TopUpPrefix = "topup_"

// Service implements escrow business logic.
type Service struct {
	store     Store
	ledger    *ledger.Ledger
	gateway   gateway.Gateway
	runner    txn.Runner
	policy    retry.Policy
	locks     syncutil.KeyedMutex // serializes explicit calls per hold
	listeners []CaptureListener
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, l *ledger.Ledger, gw gateway.Gateway, runner txn.Runner, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  l,
		gateway: gw,
		runner:  runner,
		policy:  retry.DefaultPolicy,
		logger:  logger,
		now:     time.Now,
	}
}

// WithRetryPolicy overrides the backoff used for capture, cancel and refund calls.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// WithNotifier adds booking revalidation notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCaptureListener registers l to run inside every capturing unit of work.
func (s *Service) WithCaptureListener(l CaptureListener) *Service {
	s.listeners = append(s.listeners, l)
	return s
}

// Store exposes the hold store to the reconciliation sweep.
func (s *Service) Store() Store {
	return s.store
}

// Get returns a hold by id.
func (s *Service) Get(ctx context.Context, id string) (*Hold, error) {
	return s.store.Get(ctx, id)
}

// FindByProviderRef returns the hold opened with a provider reference.
func (s *Service) FindByProviderRef(ctx context.Context, ref string) (*Hold, error) {
	return s.store.FindByProviderRef(ctx, ref)
}

// ListBySubject returns a subject's holds, newest first.
func (s *Service) ListBySubject(ctx context.Context, subjectType SubjectType, subjectID string) ([]*Hold, error) {
	return s.store.ListBySubject(ctx, subjectType, subjectID)
}

// ListByPayer returns a payer's holds, newest first.
func (s *Service) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByPayer(ctx, payerID, limit)
}

func validateRequest(req CreateHoldRequest) error {
	switch {
	case !req.SubjectType.Valid():
		return fmt.Errorf("%w: unknown subject type %q", ErrInvalidRequest, req.SubjectType)
	case req.SubjectID == "" || req.PayerID == "":
		return fmt.Errorf("%w: subject and payer are required", ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	case req.Currency == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	switch req.Kind {
	case ledger.KindDeposit, ledger.KindEscrowCapture:
	case ledger.KindLeadPurchase:
		if req.LeadID == "" {
			return fmt.Errorf("%w: lead purchase needs a lead id", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: holds cannot produce %s", ErrInvalidRequest, req.Kind)
	}
	return nil
}

// CreateHold opens a hold for a subject. The CREATED hold is inserted before
// the provider is called, so concurrent callers for one subject see exactly one
// winner. A provider failure frees the subject again; a provider timeout leaves
// the hold CREATED because the intent may exist.
func (s *Service) CreateHold(ctx context.Context, req CreateHoldRequest) (*Hold, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold",
		traces.UserID(req.PayerID), traces.Amount(req.Amount))
	defer span.End()

	now := s.now().UTC()
	h := &Hold{
		ID:          idgen.WithPrefix(idgen.HoldPrefix),
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		Kind:        req.Kind,
		Amount:      req.Amount,
		Currency:    strings.ToLower(req.Currency),
		LeadID:      req.LeadID,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, h); err != nil {
		if errors.Is(err, ErrHoldAlreadyExists) {
			holdsCreated.WithLabelValues(string(req.SubjectType), "conflict").Inc()
		}
		return nil, err
	}
	span.SetAttributes(traces.HoldID(h.ID))

	intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		Amount:         h.Amount,
		Currency:       h.Currency,
		CaptureMethod:  h.captureMethod(),
		Description:    req.Description,
		Metadata:       h.metadata(),
		IdempotencyKey: h.ID,
	})
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, gateway.ErrGatewayTimeout) {
			holdsCreated.WithLabelValues(string(h.SubjectType), "unresolved").Inc()
			s.logger.Warn("intent creation timed out, hold left unresolved",
				"holdId", h.ID, "subjectType", h.SubjectType, "subjectId", h.SubjectID)
			return nil, err
		}
		holdsCreated.WithLabelValues(string(h.SubjectType), "gateway_error").Inc()
		if cerr := s.abandon(ctx, h.ID); cerr != nil {
			s.logger.Error("failed to free subject after gateway error", "holdId", h.ID, "error", cerr)
		}
		return nil, err
	}

	if err := s.store.SetProviderReference(ctx, h.ID, intent.ProviderReference); err != nil {
		// Webhooks still find the hold through the holdId metadata.
		s.logger.Error("failed to save provider reference",
			"holdId", h.ID, "providerReference", intent.ProviderReference, "error", err)
		return nil, fmt.Errorf("failed to save provider reference: %w", err)
	}
	h.ProviderReference = intent.ProviderReference
	h.ClientSecret = intent.ClientSecret

	holdsCreated.WithLabelValues(string(h.SubjectType), "created").Inc()
	s.logger.Info("hold created",
		"holdId", h.ID,
		"subjectType", h.SubjectType,
		"subjectId", h.SubjectID,
		"payer", h.PayerID,
		"amount", h.Amount,
	)
	return h, nil
}

// TopUp opens a card payment that credits the payer's wallet once captured.
// Each top-up is its own subject.
func (s *Service) TopUp(ctx context.Context, payerID string, amount int64, currency string) (*Hold, error) {
	return s.CreateHold(ctx, CreateHoldRequest{
		SubjectType: SubjectWalletTopUp,
		SubjectID:   idgen.WithPrefix(TopUpPrefix),
		PayerID:     payerID,
		Kind:        ledger.KindDeposit,
		Amount:      amount,
		Currency:    currency,
		Description: "Wallet top-up",
	})
}

// abandon cancels a CREATED hold whose intent was never opened.
func (s *Service) abandon(ctx context.Context, holdID string) error {
	return s.runner.Run(ctx, func(ctx context.Context) error {
		h, err := s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if Decide(h.Status, StatusCancelled) != Apply {
			return nil
		}
		return s.transition(ctx, h, StatusCancelled)
	})
}

// Capture charges an AUTHORIZED hold. The provider call is retried with
// backoff; if it cannot be confirmed the hold is left unchanged.
func (s *Service) Capture(ctx context.Context, holdID string) (*Hold, error) {
	unlock, err := s.locks.LockContext(ctx, holdID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusAuthorized {
		return nil, fmt.Errorf("%w: cannot capture a %s hold", ErrInvalidStatus, h.Status)
	}

	if err := s.callGateway(ctx, "capture", h, func(ctx context.Context) error {
		return s.gateway.Capture(ctx, h.ProviderReference, captureKey(h.ID))
	}); err != nil {
		return nil, err
	}

	var out *Hold
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		switch Decide(cur.Status, StatusCaptured) {
		case AlreadyApplied:
			out = cur
			return nil
		case Apply:
		default:
			return fmt.Errorf("%w: hold became %s during capture", ErrInvalidStatus, cur.Status)
		}
		if err := s.recordCapture(ctx, cur, captureKey(cur.ID), cur.Amount); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		s.logger.Error("provider captured but recording failed", "holdId", holdID, "error", err)
		return nil, err
	}
	return out, nil
}

// CancelHold voids a CREATED or AUTHORIZED hold.
func (s *Service) CancelHold(ctx context.Context, holdID string) (*Hold, error) {
	unlock, err := s.locks.LockContext(ctx, holdID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if !h.Status.Active() {
		return nil, fmt.Errorf("%w: cannot cancel a %s hold", ErrInvalidStatus, h.Status)
	}

	if h.ProviderReference != "" {
		if err := s.callGateway(ctx, "cancel", h, func(ctx context.Context) error {
			return s.gateway.Cancel(ctx, h.ProviderReference, cancelKey(h.ID))
		}); err != nil {
			return nil, err
		}
	}

	var out *Hold
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		switch Decide(cur.Status, StatusCancelled) {
		case AlreadyApplied:
			out = cur
			return nil
		case Apply:
		default:
			return fmt.Errorf("%w: hold became %s during cancel", ErrInvalidStatus, cur.Status)
		}
		if err := s.recordCancel(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Refund returns captured money to the payer. A nil amount refunds whatever
// remains (possibly nothing) and closes the hold as REFUNDED; an explicit
// amount is a partial refund that keeps the hold CAPTURED, even when it brings
// the refunded total up to the captured amount.
func (s *Service) Refund(ctx context.Context, holdID string, amount *int64) (*Hold, error) {
	unlock, err := s.locks.LockContext(ctx, holdID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status != StatusCaptured {
		return nil, fmt.Errorf("%w: cannot refund a %s hold", ErrInvalidStatus, h.Status)
	}

	amt := h.Remaining()
	if amount != nil {
		if *amount <= 0 || *amount > h.Remaining() {
			return nil, fmt.Errorf("%w: refund of %d with %d remaining", ErrInvalidAmount, *amount, h.Remaining())
		}
		amt = *amount
	}

	var res *gateway.RefundResult
	if amt > 0 {
		if h.Kind == ledger.KindDeposit {
			balance, err := s.ledger.GetBalance(ctx, h.PayerID)
			if err != nil {
				return nil, err
			}
			if balance < amt {
				return nil, fmt.Errorf("%w: wallet holds %d, refund needs %d", ledger.ErrInsufficientBalance, balance, amt)
			}
		}
		// Keyed by the refunded total so a retry reuses the key and the next refund does not.
		key := fmt.Sprintf("hold:%s:refund:%d", h.ID, h.Refunded)
		if err := s.callGateway(ctx, "refund", h, func(ctx context.Context) error {
			var err error
			res, err = s.gateway.Refund(ctx, h.ProviderReference, &amt, key)
			return err
		}); err != nil {
			return nil, err
		}
	}

	var out *Hold
	err = s.runner.Run(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if cur.Status != StatusCaptured {
			if cur.Status == StatusRefunded && amount == nil {
				out = cur
				return nil
			}
			return fmt.Errorf("%w: hold became %s during refund", ErrInvalidStatus, cur.Status)
		}
		if res != nil {
			if _, err := s.recordRefund(ctx, cur, res.RefundID, res.Amount); err != nil {
				return err
			}
		}
		if amount == nil {
			if err := s.transition(ctx, cur, StatusRefunded); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("hold refunded", "holdId", out.ID, "amount", amt, "refunded", out.Refunded, "status", out.Status)
	return out, nil
}

// ReleaseForSubject returns a subject's money: unresolved holds are cancelled
// and captured holds fully refunded. It returns the most recent hold it touched,
// or nil when nothing needed releasing.
func (s *Service) ReleaseForSubject(ctx context.Context, subjectType SubjectType, subjectID string) (*Hold, error) {
	holds, err := s.store.ListBySubject(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	var released *Hold
	var errs []error
	for _, h := range holds {
		var out *Hold
		var err error
		switch {
		case h.Status.Active():
			out, err = s.CancelHold(ctx, h.ID)
		case h.Status == StatusCaptured:
			out, err = s.Refund(ctx, h.ID, nil)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hold %s: %w", h.ID, err))
			continue
		}
		if released == nil {
			released = out
		}
	}
	return released, errors.Join(errs...)
}

// callGateway retries fn while the provider is unavailable.
func (s *Service) callGateway(ctx context.Context, op string, h *Hold, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "escrow.gateway."+op,
		traces.HoldID(h.ID), traces.Provider(s.gateway.Name()))
	defer span.End()

	policy := s.policy
	policy.OnRetry = func(attempt int, err error, sleep time.Duration) {
		gatewayRetries.WithLabelValues(op).Inc()
		s.logger.Warn("retrying gateway call",
			"op", op, "holdId", h.ID, "attempt", attempt, "error", err, "sleep", sleep)
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && !errors.Is(err, gateway.ErrGatewayUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", gateway.ErrGatewayTimeout, err)
	}
	if err != nil {
		traces.Fail(span, err)
		s.logger.Warn("gateway call failed", "op", op, "holdId", h.ID, "error", err)
	}
	return err
}

// transition persists h in status to and counts it once the unit commits.
func (s *Service) transition(ctx context.Context, h *Hold, to Status) error {
	from := h.Status
	now := s.now().UTC()
	h.Status = to
	h.UpdatedAt = now
	if to.IsTerminal() && h.ResolvedAt == nil {
		h.ResolvedAt = &now
	}
	if err := s.store.Update(ctx, h); err != nil {
		return err
	}

	snapshot := h.clone()
	txn.AfterCommit(ctx, func() {
		holdTransitions.WithLabelValues(string(from), string(to)).Inc()
		s.notify(ctx, snapshot)
	})
	return nil
}

func (s *Service) notify(ctx context.Context, h *Hold) {
	if s.notifier == nil || h.SubjectType != SubjectBooking {
		return
	}
	s.notifier.Revalidate(context.WithoutCancel(ctx), h.SubjectID)
}
