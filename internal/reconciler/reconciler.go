// Package reconciler applies payment provider webhooks to the ledger and
// escrow holds exactly once.
//
// Every delivery is verified, classified and then applied inside a single
// unit of work. The ledger's unique external event id is the dedup gate:
// a redelivered event either reaches a hold that is already in the target
// status or collides with the row it wrote the first time, and in both
// cases nothing changes. Persistence failures answer 500 so the provider
// redelivers; nothing was committed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/traces"
	"github.com/hearthhq/hearth/internal/txn"
)

// ErrPersistence wraps store failures that abort a delivery.
var ErrPersistence = errors.New("reconciler: persistence failure")

// errIgnore marks an event that can never be applied, however often it is redelivered.
var errIgnore = errors.New("reconciler: event cannot be applied")

// Result names what a delivery did.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultAnomaly   Result = "anomaly"
	ResultDeferred  Result = "deferred"
	ResultRejected  Result = "rejected"
	ResultFailed    Result = "failed"
)

// Outcome is the answer to one webhook delivery.
type Outcome struct {
	HTTPStatus int    `json:"-"`
	Result     Result `json:"result"`
	EventID    string `json:"eventId,omitempty"`
	HoldID     string `json:"holdId,omitempty"`
}

// Verifier authenticates and parses provider deliveries.
type Verifier interface {
	Name() string
	VerifyEvent(payload []byte, signature string) (gateway.Event, error)
	SignatureHeader() string
}

// Escrow is the part of the escrow controller that provider events drive.
type Escrow interface {
	Get(ctx context.Context, id string) (*escrow.Hold, error)
	FindByProviderRef(ctx context.Context, ref string) (*escrow.Hold, error)
	ApplyStatus(ctx context.Context, holdID string, target escrow.Status, obs escrow.Observation) (*escrow.Hold, escrow.Decision, error)
	ApplyRefund(ctx context.Context, holdID, refundID string, amount int64) (*escrow.Hold, escrow.Decision, error)
	RecordPayment(ctx context.Context, p escrow.Payment) ([]*ledger.Transaction, error)
}

// Reconciler ingests webhook deliveries.
type Reconciler struct {
	verifier Verifier
	escrow   Escrow
	runner   txn.Runner
	logger   *slog.Logger
}

// New creates a reconciler.
func New(verifier Verifier, esc Escrow, runner txn.Runner, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		escrow:   esc,
		runner:   runner,
		logger:   logger,
	}
}

// SignatureHeader is the HTTP header the provider signs deliveries in.
func (r *Reconciler) SignatureHeader() string {
	return r.verifier.SignatureHeader()
}

// Ingest verifies, deduplicates and applies one delivery.
func (r *Reconciler) Ingest(ctx context.Context, payload []byte, signature string) Outcome {
	start := time.Now()
	defer func() { ingestDuration.Observe(time.Since(start).Seconds()) }()

	ev, err := r.verifier.VerifyEvent(payload, signature)
	switch {
	case errors.Is(err, gateway.ErrMalformedMetadata):
		r.logger.Warn("unparseable webhook acknowledged", "error", err)
		eventsIngested.WithLabelValues("unparseable", string(ResultIgnored)).Inc()
		return Outcome{HTTPStatus: http.StatusOK, Result: ResultIgnored}
	case err != nil:
		r.logger.Warn("webhook signature rejected", "error", err)
		eventsIngested.WithLabelValues("unverified", string(ResultRejected)).Inc()
		return Outcome{HTTPStatus: http.StatusBadRequest, Result: ResultRejected}
	}

	info := ev.Info()
	ctx, span := traces.StartSpan(ctx, "reconciler.Ingest",
		traces.Provider(r.verifier.Name()), traces.EventType(info.Type))
	defer span.End()

	out := r.dispatch(ctx, ev)
	out.EventID = info.ID
	if out.HoldID != "" {
		span.SetAttributes(traces.HoldID(out.HoldID))
	}
	eventsIngested.WithLabelValues(eventLabel(ev), string(out.Result)).Inc()
	r.logger.Info("webhook ingested",
		"eventId", info.ID, "type", info.Type, "holdId", out.HoldID,
		"result", out.Result, "status", out.HTTPStatus)
	return out
}

func (r *Reconciler) dispatch(ctx context.Context, ev gateway.Event) Outcome {
	switch e := ev.(type) {
	case gateway.PaymentAuthorized:
		return r.applyStatus(ctx, e.EventInfo, escrow.StatusAuthorized)
	case gateway.PaymentSucceeded:
		return r.applyStatus(ctx, e.EventInfo, escrow.StatusCaptured)
	case gateway.PaymentCanceled:
		return r.applyStatus(ctx, e.EventInfo, escrow.StatusCancelled)
	case gateway.PaymentFailed:
		return r.paymentFailed(ctx, e)
	case gateway.RefundSucceeded:
		return r.applyRefund(ctx, e)
	default:
		return Outcome{HTTPStatus: http.StatusOK, Result: ResultIgnored}
	}
}

// applyStatus moves the event's hold to target. A successful payment with no
// hold on file is booked from its metadata alone.
func (r *Reconciler) applyStatus(ctx context.Context, info gateway.EventInfo, target escrow.Status) Outcome {
	var holdID string
	var decision escrow.Decision
	err := r.runner.Run(ctx, func(ctx context.Context) error {
		h, err := r.findHold(ctx, info)
		if errors.Is(err, escrow.ErrHoldNotFound) {
			if target != escrow.StatusCaptured {
				return fmt.Errorf("%w: no hold for %s", errIgnore, info.ProviderReference)
			}
			decision, err = r.recordPayment(ctx, info)
			return err
		}
		if err != nil {
			return err
		}
		holdID = h.ID
		_, decision, err = r.escrow.ApplyStatus(ctx, h.ID, target, escrow.Observation{
			EventID:           info.ID,
			ProviderReference: info.ProviderReference,
			Amount:            info.Amount,
		})
		return err
	})
	return r.outcome(info, holdID, decision, err)
}

func (r *Reconciler) recordPayment(ctx context.Context, info gateway.EventInfo) (escrow.Decision, error) {
	md, err := gateway.ParseMetadata(info.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errIgnore, err)
	}
	_, err = r.escrow.RecordPayment(ctx, escrow.Payment{
		EventID:  info.ID,
		PayerID:  md.PayerID,
		Kind:     ledger.Kind(md.Kind),
		LeadID:   md.LeadID,
		Amount:   info.Amount,
		Currency: info.Currency,
	})
	if errors.Is(err, escrow.ErrHoldNotFound) || errors.Is(err, escrow.ErrInvalidRequest) {
		return "", fmt.Errorf("%w: %v", errIgnore, err)
	}
	if err != nil {
		return "", err
	}
	return escrow.Apply, nil
}

// paymentFailed records nothing: a failed attempt leaves an open intent
// payable. Only a failure reported after the money moved is an anomaly.
func (r *Reconciler) paymentFailed(ctx context.Context, e gateway.PaymentFailed) Outcome {
	h, err := r.findHold(ctx, e.EventInfo)
	if errors.Is(err, escrow.ErrHoldNotFound) {
		return Outcome{HTTPStatus: http.StatusOK, Result: ResultIgnored}
	}
	if err != nil {
		return r.outcome(e.EventInfo, "", "", err)
	}
	if h.Status == escrow.StatusCaptured || h.Status == escrow.StatusRefunded {
		return r.outcome(e.EventInfo, h.ID, escrow.Anomaly, nil)
	}
	r.logger.Info("payment attempt failed",
		"holdId", h.ID, "status", h.Status, "reason", e.FailureReason)
	return Outcome{HTTPStatus: http.StatusOK, Result: ResultIgnored, HoldID: h.ID}
}

func (r *Reconciler) applyRefund(ctx context.Context, e gateway.RefundSucceeded) Outcome {
	if e.RefundID == "" {
		return r.outcome(e.EventInfo, "", "", fmt.Errorf("%w: refund without id", errIgnore))
	}
	var holdID string
	var decision escrow.Decision
	err := r.runner.Run(ctx, func(ctx context.Context) error {
		h, err := r.findHold(ctx, e.EventInfo)
		if errors.Is(err, escrow.ErrHoldNotFound) {
			return fmt.Errorf("%w: no hold for refund %s", errIgnore, e.RefundID)
		}
		if err != nil {
			return err
		}
		holdID = h.ID
		_, decision, err = r.escrow.ApplyRefund(ctx, h.ID, e.RefundID, e.Amount)
		return err
	})
	return r.outcome(e.EventInfo, holdID, decision, err)
}

// findHold looks the hold up by provider reference, then by the hold id the
// intent metadata carries.
func (r *Reconciler) findHold(ctx context.Context, info gateway.EventInfo) (*escrow.Hold, error) {
	if info.ProviderReference != "" {
		h, err := r.escrow.FindByProviderRef(ctx, info.ProviderReference)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, escrow.ErrHoldNotFound) {
			return nil, err
		}
	}
	if id := info.Metadata[gateway.MetaHoldID]; id != "" {
		return r.escrow.Get(ctx, id)
	}
	return nil, escrow.ErrHoldNotFound
}

func (r *Reconciler) outcome(info gateway.EventInfo, holdID string, d escrow.Decision, err error) Outcome {
	out := Outcome{HoldID: holdID}
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		out.HTTPStatus, out.Result = http.StatusOK, ResultDuplicate
	case errors.Is(err, errIgnore), errors.Is(err, escrow.ErrInvalidAmount):
		r.logger.Warn("webhook acknowledged without effect",
			"eventId", info.ID, "type", info.Type, "error", err)
		out.HTTPStatus, out.Result = http.StatusOK, ResultIgnored
	case err != nil:
		r.logger.Error("webhook apply failed, awaiting redelivery",
			"eventId", info.ID, "type", info.Type, "holdId", holdID,
			"error", fmt.Errorf("%w: %w", ErrPersistence, err))
		out.HTTPStatus, out.Result = http.StatusInternalServerError, ResultFailed
	case d == escrow.Apply:
		out.HTTPStatus, out.Result = http.StatusOK, ResultProcessed
	case d == escrow.AlreadyApplied:
		out.HTTPStatus, out.Result = http.StatusOK, ResultDuplicate
	case d == escrow.Deferred:
		// A 5xx is the only non-2xx answer the provider retries.
		r.logger.Warn("webhook ahead of hold state, awaiting redelivery",
			"eventId", info.ID, "type", info.Type, "holdId", holdID)
		out.HTTPStatus, out.Result = http.StatusInternalServerError, ResultDeferred
	default:
		anomalies.WithLabelValues(info.Type).Inc()
		r.logger.Warn("out-of-order webhook would revert a terminal hold",
			"eventId", info.ID, "type", info.Type, "holdId", holdID)
		out.HTTPStatus, out.Result = http.StatusOK, ResultAnomaly
	}
	return out
}

func eventLabel(ev gateway.Event) string {
	switch ev.(type) {
	case gateway.PaymentAuthorized:
		return "payment_authorized"
	case gateway.PaymentSucceeded:
		return "payment_succeeded"
	case gateway.PaymentCanceled:
		return "payment_canceled"
	case gateway.PaymentFailed:
		return "payment_failed"
	case gateway.RefundSucceeded:
		return "refund_succeeded"
	default:
		return "unknown"
	}
}
