package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/logging"
	"github.com/hearthhq/hearth/internal/retry"
	"github.com/hearthhq/hearth/internal/txn"
)

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.Ledger
	gw     *gateway.FakeGateway
	runner *txn.MemoryRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	gw := gateway.NewFakeGateway("whsec_test")
	runner := txn.NewMemoryRunner()
	svc := NewService(store, l, gw, runner, logging.Discard()).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	return &testEnv{svc: svc, store: store, ledger: l, gw: gw, runner: runner}
}

func bookingRequest(bookingID string) CreateHoldRequest {
	return CreateHoldRequest{
		SubjectType: SubjectBooking,
		SubjectID:   bookingID,
		PayerID:     "renter_1",
		PayeeID:     "host_1",
		Kind:        ledger.KindEscrowCapture,
		Amount:      45000,
		Currency:    "USD",
	}
}

func (e *testEnv) apply(t *testing.T, holdID string, target Status, obs Observation) Decision {
	t.Helper()
	var d Decision
	err := e.runner.Run(context.Background(), func(ctx context.Context) error {
		_, decision, err := e.svc.ApplyStatus(ctx, holdID, target, obs)
		d = decision
		return err
	})
	if err != nil {
		t.Fatalf("ApplyStatus(%s) failed: %v", target, err)
	}
	return d
}

// authorizedBookingHold creates a booking hold and walks it to AUTHORIZED.
func (e *testEnv) authorizedBookingHold(t *testing.T, bookingID string) *Hold {
	t.Helper()
	h, err := e.svc.CreateHold(context.Background(), bookingRequest(bookingID))
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	if err := e.gw.Pay(h.ProviderReference); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if d := e.apply(t, h.ID, StatusAuthorized, Observation{EventID: "evt_auth", Amount: h.Amount}); d != Apply {
		t.Fatalf("expected authorization to apply, got %s", d)
	}
	return h
}

// capturedDeposit creates a top-up and captures it the way a webhook would.
func (e *testEnv) capturedDeposit(t *testing.T, payer string, amount int64) *Hold {
	t.Helper()
	h, err := e.svc.TopUp(context.Background(), payer, amount, "usd")
	if err != nil {
		t.Fatalf("TopUp failed: %v", err)
	}
	if err := e.gw.Pay(h.ProviderReference); err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	if d := e.apply(t, h.ID, StatusCaptured, Observation{EventID: "evt_" + h.ID, Amount: amount}); d != Apply {
		t.Fatalf("expected capture to apply, got %s", d)
	}
	return h
}

func mustBalance(t *testing.T, l *ledger.Ledger, userID string, want int64) {
	t.Helper()
	got, err := l.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if got != want {
		t.Errorf("balance of %s = %d, want %d", userID, got, want)
	}
}

func TestCreateHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, err := env.svc.CreateHold(ctx, bookingRequest("bkg_1"))
	if err != nil {
		t.Fatalf("CreateHold failed: %v", err)
	}
	if h.Status != StatusCreated {
		t.Errorf("expected CREATED, got %s", h.Status)
	}
	if h.ProviderReference == "" || h.ClientSecret == "" {
		t.Error("expected provider reference and client secret")
	}
	if h.Currency != "usd" {
		t.Errorf("expected lowercased currency, got %s", h.Currency)
	}

	stored, _ := env.store.Get(ctx, h.ID)
	if stored.ClientSecret != "" {
		t.Error("client secret must not be persisted")
	}
	if stored.ProviderReference != h.ProviderReference {
		t.Error("provider reference not persisted")
	}

	// Booking holds authorize first and are captured by the host.
	if err := env.gw.Pay(h.ProviderReference); err != nil {
		t.Fatal(err)
	}
	if got := env.gw.IntentStatus(h.ProviderReference); got != "requires_capture" {
		t.Errorf("expected manual capture intent, got %s", got)
	}
}

func TestCreateHold_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateHoldRequest)
		want   error
	}{
		{"unknown subject", func(r *CreateHoldRequest) { r.SubjectType = "CAR" }, ErrInvalidRequest},
		{"no payer", func(r *CreateHoldRequest) { r.PayerID = "" }, ErrInvalidRequest},
		{"zero amount", func(r *CreateHoldRequest) { r.Amount = 0 }, ErrInvalidAmount},
		{"refund kind", func(r *CreateHoldRequest) { r.Kind = ledger.KindRefund }, ErrInvalidRequest},
		{"lead without id", func(r *CreateHoldRequest) { r.Kind = ledger.KindLeadPurchase }, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := bookingRequest("bkg_v")
			tt.mutate(&req)
			if _, err := env.svc.CreateHold(ctx, req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n := env.gw.Calls("create"); n != 0 {
		t.Errorf("invalid requests must not reach the provider, got %d calls", n)
	}
}

func TestCreateHold_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 20
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := env.svc.CreateHold(ctx, bookingRequest("bkg_race"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrHoldAlreadyExists):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Errorf("expected 1 winner and %d conflicts, got %d and %d", n-1, wins.Load(), conflicts.Load())
	}
	if calls := env.gw.Calls("create"); calls != 1 {
		t.Errorf("only the winner may open an intent, got %d", calls)
	}
}

func TestCreateHold_GatewayFailureFreesSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.gw.FailNext("create", gateway.ErrGatewayUnavailable)
	if _, err := env.svc.CreateHold(ctx, bookingRequest("bkg_2")); !errors.Is(err, gateway.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	holds, _ := env.store.ListBySubject(ctx, SubjectBooking, "bkg_2")
	if len(holds) != 1 || holds[0].Status != StatusCancelled {
		t.Fatalf("expected one CANCELLED hold, got %+v", holds)
	}

	if _, err := env.svc.CreateHold(ctx, bookingRequest("bkg_2")); err != nil {
		t.Fatalf("retry after failure should succeed: %v", err)
	}
}

func TestCreateHold_TimeoutLeavesHoldUnresolved(t *testing.T) {
	env := newTestEnv(t)

	env.gw.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := env.svc.CreateHold(ctx, bookingRequest("bkg_3"))
	if !errors.Is(err, gateway.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	holds, _ := env.store.ListBySubject(context.Background(), SubjectBooking, "bkg_3")
	if len(holds) != 1 || holds[0].Status != StatusCreated {
		t.Fatalf("expected the hold to stay CREATED, got %+v", holds)
	}

	env.gw.SetLatency(0)
	if _, err := env.svc.CreateHold(context.Background(), bookingRequest("bkg_3")); !errors.Is(err, ErrHoldAlreadyExists) {
		t.Errorf("unresolved hold must keep the subject, got %v", err)
	}
}

func TestCapture_AuthorizedHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.authorizedBookingHold(t, "bkg_4")

	marker, err := env.ledger.GetByExternalID(ctx, authorizationKey(h.ID))
	if err != nil {
		t.Fatalf("expected authorization marker: %v", err)
	}
	if marker.Status != ledger.StatusPending || marker.Gross != h.Amount || marker.Amount != 0 {
		t.Errorf("unexpected marker %+v", marker)
	}

	captured, err := env.svc.Capture(ctx, h.ID)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if captured.Status != StatusCaptured || captured.ResolvedAt == nil {
		t.Errorf("expected CAPTURED with resolvedAt, got %s", captured.Status)
	}

	marker, _ = env.ledger.GetByExternalID(ctx, authorizationKey(h.ID))
	if marker.Status != ledger.StatusCompleted {
		t.Errorf("expected marker COMPLETED, got %s", marker.Status)
	}
	mustBalance(t, env.ledger, "renter_1", 0)

	// The webhook for the same capture is a no-op.
	if d := env.apply(t, h.ID, StatusCaptured, Observation{EventID: "evt_cap"}); d != AlreadyApplied {
		t.Errorf("expected already_applied, got %s", d)
	}
}

func TestCapture_RequiresAuthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, _ := env.svc.CreateHold(ctx, bookingRequest("bkg_5"))
	if _, err := env.svc.Capture(ctx, h.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := env.svc.Capture(ctx, "hold_missing"); !errors.Is(err, ErrHoldNotFound) {
		t.Errorf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestCapture_GatewayOutageLeavesHoldUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.authorizedBookingHold(t, "bkg_6")

	env.gw.FailNext("capture", gateway.ErrGatewayUnavailable)
	env.gw.FailNext("capture", gateway.ErrGatewayUnavailable)

	if _, err := env.svc.Capture(ctx, h.ID); !errors.Is(err, gateway.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if n := env.gw.Calls("capture"); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	cur, _ := env.store.Get(ctx, h.ID)
	if cur.Status != StatusAuthorized {
		t.Errorf("expected hold to stay AUTHORIZED, got %s", cur.Status)
	}

	// A transient failure is retried within one call.
	env.gw.FailNext("capture", gateway.ErrGatewayUnavailable)
	if _, err := env.svc.Capture(ctx, h.ID); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestCancelHold_Authorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.authorizedBookingHold(t, "bkg_7")

	cancelled, err := env.svc.CancelHold(ctx, h.ID)
	if err != nil {
		t.Fatalf("CancelHold failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	release, err := env.ledger.GetByExternalID(ctx, cancelKey(h.ID))
	if err != nil {
		t.Fatalf("expected ESCROW_RELEASE row: %v", err)
	}
	if release.Kind != ledger.KindEscrowRelease || release.Amount != 0 || release.Gross != h.Amount {
		t.Errorf("unexpected release row %+v", release)
	}
	marker, _ := env.ledger.GetByExternalID(ctx, authorizationKey(h.ID))
	if marker.Status != ledger.StatusFailed {
		t.Errorf("expected marker FAILED, got %s", marker.Status)
	}

	// A late success event would revert a terminal state.
	if d := env.apply(t, h.ID, StatusCaptured, Observation{EventID: "evt_late"}); d != Anomaly {
		t.Errorf("expected anomaly, got %s", d)
	}
	if _, err := env.svc.CancelHold(ctx, h.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus on second cancel, got %v", err)
	}
}

func TestCancelHold_CreatedWithoutLedgerRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h, _ := env.svc.CreateHold(ctx, bookingRequest("bkg_8"))
	if _, err := env.svc.CancelHold(ctx, h.ID); err != nil {
		t.Fatalf("CancelHold failed: %v", err)
	}
	if _, err := env.ledger.GetByExternalID(ctx, cancelKey(h.ID)); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Errorf("nothing moved, so no ledger row expected, got %v", err)
	}
	if got := env.gw.IntentStatus(h.ProviderReference); got != "canceled" {
		t.Errorf("expected provider intent canceled, got %s", got)
	}
}

func TestDepositCaptureAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := env.capturedDeposit(t, "user_a", 10000)
	mustBalance(t, env.ledger, "user_a", 10000)

	if d := env.apply(t, h.ID, StatusCaptured, Observation{EventID: "evt_" + h.ID, Amount: 10000}); d != AlreadyApplied {
		t.Errorf("expected duplicate delivery to be already_applied, got %s", d)
	}
	mustBalance(t, env.ledger, "user_a", 10000)

	row, err := env.ledger.GetByExternalID(ctx, "evt_"+h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Kind != ledger.KindDeposit || row.Amount != 10000 || row.Reference != h.ID {
		t.Errorf("unexpected deposit row %+v", row)
	}
}

func TestRefund_PartialThenRemainder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.capturedDeposit(t, "user_b", 10000)

	part := int64(3000)
	out, err := env.svc.Refund(ctx, h.ID, &part)
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if out.Status != StatusCaptured || out.Refunded != 3000 {
		t.Errorf("expected CAPTURED with 3000 refunded, got %s/%d", out.Status, out.Refunded)
	}
	mustBalance(t, env.ledger, "user_b", 7000)

	// Refunding everything explicitly still keeps the hold CAPTURED.
	rest := int64(7000)
	out, err = env.svc.Refund(ctx, h.ID, &rest)
	if err != nil {
		t.Fatalf("second partial refund failed: %v", err)
	}
	if out.Status != StatusCaptured || out.Remaining() != 0 {
		t.Errorf("expected CAPTURED with nothing remaining, got %s/%d", out.Status, out.Remaining())
	}

	out, err = env.svc.Refund(ctx, h.ID, nil)
	if err != nil {
		t.Fatalf("closing refund failed: %v", err)
	}
	if out.Status != StatusRefunded {
		t.Errorf("expected REFUNDED, got %s", out.Status)
	}
	if n := env.gw.Calls("refund"); n != 2 {
		t.Errorf("closing a fully refunded hold must not call the provider, got %d calls", n)
	}
	mustBalance(t, env.ledger, "user_b", 0)
}

func TestRefund_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.capturedDeposit(t, "user_c", 5000)

	tooMuch := int64(5001)
	if _, err := env.svc.Refund(ctx, h.ID, &tooMuch); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	// The wallet was spent elsewhere, so the deposit cannot be refunded.
	if _, err := env.ledger.AppendTransaction(ctx, &ledger.Transaction{
		UserID: "user_c", Amount: -4000, Kind: ledger.KindLeadPurchase, Currency: "usd",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Refund(ctx, h.ID, nil); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if n := env.gw.Calls("refund"); n != 0 {
		t.Errorf("rejected refunds must not reach the provider, got %d", n)
	}

	created, _ := env.svc.CreateHold(ctx, bookingRequest("bkg_9"))
	if _, err := env.svc.Refund(ctx, created.ID, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus for CREATED hold, got %v", err)
	}
}

// webhookFirstGateway delivers each refund's webhook before the Refund call
// returns, the way a fast provider can.
type webhookFirstGateway struct {
	*gateway.FakeGateway
	env    *testEnv
	holdID string
}

func (g *webhookFirstGateway) Refund(ctx context.Context, ref string, amount *int64, key string) (*gateway.RefundResult, error) {
	res, err := g.FakeGateway.Refund(ctx, ref, amount, key)
	if err != nil {
		return nil, err
	}
	err = g.env.runner.Run(context.Background(), func(ctx context.Context) error {
		_, _, err := g.env.svc.ApplyRefund(ctx, g.holdID, res.RefundID, res.Amount)
		return err
	})
	return res, err
}

func TestRefund_WebhookAppliedFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.capturedDeposit(t, "user_w", 10000)

	gw := &webhookFirstGateway{FakeGateway: env.gw, env: env, holdID: h.ID}
	env.svc.gateway = gw

	out, err := env.svc.Refund(ctx, h.ID, nil)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if out.Status != StatusRefunded || out.Refunded != 10000 {
		t.Errorf("expected REFUNDED with 10000 refunded, got %s/%d", out.Status, out.Refunded)
	}
	mustBalance(t, env.ledger, "user_w", 0)

	rows, err := env.ledger.History(ctx, ledger.HistoryQuery{UserID: "user_w", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	refunds := 0
	for _, r := range rows {
		if r.Kind == ledger.KindRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("expected one REFUND row, got %d", refunds)
	}
}

func TestReleaseForSubject_RefundWebhookFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.authorizedBookingHold(t, "bkg_fast")
	if _, err := env.svc.Capture(ctx, h.ID); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	env.svc.gateway = &webhookFirstGateway{FakeGateway: env.gw, env: env, holdID: h.ID}

	released, err := env.svc.ReleaseForSubject(ctx, SubjectBooking, "bkg_fast")
	if err != nil {
		t.Fatalf("ReleaseForSubject failed: %v", err)
	}
	if released.Status != StatusRefunded || released.Refunded != h.Amount {
		t.Errorf("expected REFUNDED with %d refunded, got %s/%d", h.Amount, released.Status, released.Refunded)
	}
}

func TestApplyRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.capturedDeposit(t, "user_d", 8000)

	run := func(holdID, refundID string, amount int64) Decision {
		var d Decision
		err := env.runner.Run(ctx, func(ctx context.Context) error {
			_, decision, err := env.svc.ApplyRefund(ctx, holdID, refundID, amount)
			d = decision
			return err
		})
		if err != nil {
			t.Fatalf("ApplyRefund failed: %v", err)
		}
		return d
	}

	if d := run(h.ID, "re_1", 2000); d != Apply {
		t.Errorf("expected apply, got %s", d)
	}
	if d := run(h.ID, "re_1", 2000); d != AlreadyApplied {
		t.Errorf("expected already_applied, got %s", d)
	}
	if d := run(h.ID, "re_2", 9000); d != Anomaly {
		t.Errorf("refund above the remainder must be an anomaly, got %s", d)
	}
	mustBalance(t, env.ledger, "user_d", 6000)

	pending, _ := env.svc.CreateHold(ctx, bookingRequest("bkg_10"))
	if d := run(pending.ID, "re_3", 100); d != Deferred {
		t.Errorf("refund before capture must be deferred, got %s", d)
	}
}

type recordingListener struct {
	mu    sync.Mutex
	calls []*Hold
	rows  [][]*ledger.Transaction
}

func (r *recordingListener) HoldCaptured(ctx context.Context, h *Hold, rows []*ledger.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, h.clone())
	r.rows = append(r.rows, rows)
	return nil
}

type failingListener struct{}

func (failingListener) HoldCaptured(context.Context, *Hold, []*ledger.Transaction) error {
	return errors.New("unlock table unavailable")
}

func TestRecordPayment_LeadPurchase(t *testing.T) {
	env := newTestEnv(t)
	listener := &recordingListener{}
	env.svc.WithCaptureListener(listener)
	ctx := context.Background()

	err := env.runner.Run(ctx, func(ctx context.Context) error {
		_, err := env.svc.RecordPayment(ctx, Payment{
			EventID: "evt_lead", PayerID: "user_e", Kind: ledger.KindLeadPurchase,
			LeadID: "lead_1", Amount: 3000, Currency: "USD",
		})
		return err
	})
	if err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}

	mustBalance(t, env.ledger, "user_e", 0)
	purchase, err := env.ledger.GetByExternalID(ctx, "evt_lead")
	if err != nil || purchase.Kind != ledger.KindLeadPurchase || purchase.Amount != -3000 {
		t.Fatalf("unexpected purchase row %+v (%v)", purchase, err)
	}
	funding, err := env.ledger.GetByExternalID(ctx, "evt_lead:funding")
	if err != nil || funding.Kind != ledger.KindDeposit || funding.Amount != 3000 {
		t.Fatalf("unexpected funding row %+v (%v)", funding, err)
	}
	if len(listener.calls) != 1 || listener.calls[0].LeadID != "lead_1" || len(listener.rows[0]) != 2 {
		t.Errorf("listener not told about the purchase: %+v", listener.calls)
	}

	// Redelivery fails on the dedup key and the unit rolls back.
	err = env.runner.Run(ctx, func(ctx context.Context) error {
		_, err := env.svc.RecordPayment(ctx, Payment{
			EventID: "evt_lead", PayerID: "user_e", Kind: ledger.KindLeadPurchase,
			LeadID: "lead_1", Amount: 3000, Currency: "usd",
		})
		return err
	})
	if !errors.Is(err, ledger.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
	mustBalance(t, env.ledger, "user_e", 0)
}

func TestRecordCapture_ListenerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithCaptureListener(failingListener{})
	ctx := context.Background()

	h, _ := env.svc.TopUp(ctx, "user_f", 2500, "usd")
	err := env.runner.Run(ctx, func(ctx context.Context) error {
		_, _, err := env.svc.ApplyStatus(ctx, h.ID, StatusCaptured, Observation{EventID: "evt_f", Amount: 2500})
		return err
	})
	if err == nil {
		t.Fatal("expected listener error")
	}

	cur, _ := env.store.Get(ctx, h.ID)
	if cur.Status != StatusCreated {
		t.Errorf("expected rollback to CREATED, got %s", cur.Status)
	}
	mustBalance(t, env.ledger, "user_f", 0)
	if _, err := env.ledger.GetByExternalID(ctx, "evt_f"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Errorf("expected deposit row rolled back, got %v", err)
	}
}

func TestReleaseForSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := env.authorizedBookingHold(t, "bkg_11")
	if _, err := env.svc.Capture(ctx, h.ID); err != nil {
		t.Fatal(err)
	}

	released, err := env.svc.ReleaseForSubject(ctx, SubjectBooking, "bkg_11")
	if err != nil {
		t.Fatalf("ReleaseForSubject failed: %v", err)
	}
	if released == nil || released.Status != StatusRefunded || released.Refunded != h.Amount {
		t.Fatalf("expected fully refunded hold, got %+v", released)
	}

	rows, _ := env.ledger.History(ctx, ledger.HistoryQuery{UserID: "renter_1"})
	var refunds int
	for _, r := range rows {
		if r.Kind == ledger.KindRefund {
			refunds++
			if r.Amount != 0 || r.Gross != h.Amount {
				t.Errorf("card-side refund must not touch the wallet: %+v", r)
			}
		}
	}
	if refunds != 1 {
		t.Errorf("expected one REFUND row, got %d", refunds)
	}

	again, err := env.svc.ReleaseForSubject(ctx, SubjectBooking, "bkg_11")
	if err != nil || again != nil {
		t.Errorf("nothing left to release, got %+v, %v", again, err)
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Revalidate(ctx context.Context, bookingID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, bookingID)
}

func TestTransitionsNotifyBookingSubjects(t *testing.T) {
	env := newTestEnv(t)
	notifier := &recordingNotifier{}
	env.svc.WithNotifier(notifier)

	env.authorizedBookingHold(t, "bkg_12")
	env.capturedDeposit(t, "user_g", 100)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.ids) != 1 || notifier.ids[0] != "bkg_12" {
		t.Errorf("expected one revalidate for bkg_12, got %v", notifier.ids)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		from, to Status
		want     Decision
	}{
		{StatusCreated, StatusAuthorized, Apply},
		{StatusCreated, StatusCaptured, Apply},
		{StatusCreated, StatusCancelled, Apply},
		{StatusAuthorized, StatusCaptured, Apply},
		{StatusAuthorized, StatusCancelled, Apply},
		{StatusCaptured, StatusRefunded, Apply},
		{StatusCaptured, StatusCaptured, AlreadyApplied},
		{StatusCancelled, StatusCancelled, AlreadyApplied},
		{StatusAuthorized, StatusCreated, Anomaly},
		{StatusCaptured, StatusCancelled, Anomaly},
		{StatusCaptured, StatusAuthorized, Anomaly},
		{StatusCancelled, StatusCaptured, Anomaly},
		{StatusRefunded, StatusCaptured, Anomaly},
		{StatusCreated, StatusRefunded, Anomaly},
	}
	for _, tt := range tests {
		if got := Decide(tt.from, tt.to); got != tt.want {
			t.Errorf("Decide(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}
