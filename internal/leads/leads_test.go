package leads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/logging"
	"github.com/hearthhq/hearth/internal/retry"
	"github.com/hearthhq/hearth/internal/txn"
)

type testEnv struct {
	svc    *Service
	escrow *escrow.Service
	ledger *ledger.Ledger
	gw     *gateway.FakeGateway
	runner *txn.MemoryRunner
	lead   *Lead
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	gw := gateway.NewFakeGateway("whsec_test")
	runner := txn.NewMemoryRunner()
	esc := escrow.NewService(escrow.NewMemoryStore(), l, gw, runner, logging.Discard()).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	svc := NewService(NewMemoryStore(), l, esc, runner, logging.Discard())
	esc.WithCaptureListener(svc)

	lead, err := svc.CreateLead(context.Background(), "3-bed in Leith", 3000, "USD")
	require.NoError(t, err)
	return &testEnv{svc: svc, escrow: esc, ledger: l, gw: gw, runner: runner, lead: lead}
}

func balance(t *testing.T, l *ledger.Ledger, user string) int64 {
	t.Helper()
	b, err := l.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func TestPurchaseWithCard_EmptyWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hold, err := env.svc.PurchaseWithCard(ctx, "user_1", env.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.SubjectLeadUnlock, hold.SubjectType)
	assert.Equal(t, ledger.KindLeadPurchase, hold.Kind)
	assert.Equal(t, int64(3000), hold.Amount)
	require.NoError(t, env.gw.Pay(hold.ProviderReference))

	err = env.runner.Run(ctx, func(ctx context.Context) error {
		_, d, err := env.escrow.ApplyStatus(ctx, hold.ID, escrow.StatusCaptured, escrow.Observation{EventID: "evt_lead_1", Amount: 3000})
		assert.Equal(t, escrow.Apply, d)
		return err
	})
	require.NoError(t, err)

	unlocked, err := env.svc.IsUnlocked(ctx, "user_1", env.lead.ID)
	require.NoError(t, err)
	assert.True(t, unlocked)
	assert.Equal(t, int64(0), balance(t, env.ledger, "user_1"))

	purchase, err := env.ledger.GetByExternalID(ctx, "evt_lead_1")
	require.NoError(t, err)
	list, err := env.svc.ListUnlocked(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, purchase.ID, list[0].TransactionID)

	// A second attempt is rejected before any hold is opened.
	_, err = env.svc.PurchaseWithCard(ctx, "user_1", env.lead.ID)
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	assert.Equal(t, 1, env.gw.Calls("create"))
}

func TestPurchaseWithCard_UnknownLead(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.PurchaseWithCard(context.Background(), "user_1", "lead_missing")
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestRecordPayment_CreatesUnlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.runner.Run(ctx, func(ctx context.Context) error {
		_, err := env.escrow.RecordPayment(ctx, escrow.Payment{
			EventID: "evt_no_hold", PayerID: "user_2", Kind: ledger.KindLeadPurchase,
			LeadID: env.lead.ID, Amount: 3000, Currency: "usd",
		})
		return err
	})
	require.NoError(t, err)

	unlocked, err := env.svc.IsUnlocked(ctx, "user_2", env.lead.ID)
	require.NoError(t, err)
	assert.True(t, unlocked)
}

func TestUnlockWithWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.UnlockWithWallet(ctx, "user_3", env.lead.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	_, err = env.ledger.AppendTransaction(ctx, &ledger.Transaction{UserID: "user_3", Amount: 5000, Gross: 5000, Kind: ledger.KindDeposit, Currency: "usd"})
	require.NoError(t, err)

	u, err := env.svc.UnlockWithWallet(ctx, "user_3", env.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, env.lead.ID, u.LeadID)
	assert.Equal(t, int64(2000), balance(t, env.ledger, "user_3"))

	row, err := env.ledger.GetByExternalID(ctx, walletKey("user_3", env.lead.ID))
	require.NoError(t, err)
	assert.Equal(t, u.TransactionID, row.ID)
	assert.Equal(t, int64(-3000), row.Amount)

	_, err = env.svc.UnlockWithWallet(ctx, "user_3", env.lead.ID)
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	assert.Equal(t, int64(2000), balance(t, env.ledger, "user_3"))
}

func TestUnlockWithWallet_ConcurrentChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.AppendTransaction(ctx, &ledger.Transaction{UserID: "user_4", Amount: 10000, Kind: ledger.KindDeposit})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.UnlockWithWallet(ctx, "user_4", env.lead.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyUnlocked):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, dup)
	assert.Equal(t, int64(7000), balance(t, env.ledger, "user_4"))
}

func TestHandler_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)
	h := NewHandler(env.svc, "usd", logging.Discard())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, "user_5")
		c.Next()
	})
	h.RegisterProtectedRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1"))

	serve := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
		return w
	}

	w := serve(http.MethodPost, "/v1/leads/"+env.lead.ID+"/unlock", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = serve(http.MethodPost, "/v1/leads/"+env.lead.ID+"/purchase", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ClientSecret string `json:"clientSecret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ClientSecret)

	// The open hold blocks a second card purchase of the same lead.
	w = serve(http.MethodPost, "/v1/leads/"+env.lead.ID+"/purchase", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(http.MethodGet, "/v1/leads/"+env.lead.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"unlocked":false`)

	w = serve(http.MethodGet, "/v1/leads/lead_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(http.MethodPost, "/v1/admin/leads", CreateLeadRequest{Title: "Flat", PriceMinorUnits: 500})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = serve(http.MethodGet, "/v1/leads/unlocked", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
