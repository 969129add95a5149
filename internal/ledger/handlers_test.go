package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandlerRouter(l *Ledger, userID string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, userID)
		c.Next()
	})
	h := NewHandler(l, logging.Discard())
	h.RegisterProtectedRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1"))
	return r
}

func TestHandler_GetWallet(t *testing.T) {
	l := newTestLedger()
	_, _ = l.AppendTransaction(context.Background(), &Transaction{UserID: "renter_1", Amount: 1234, Kind: KindDeposit})

	w := httptest.NewRecorder()
	newHandlerRouter(l, "renter_1").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Wallet Account `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1234), body.Wallet.Balance)
}

func TestHandler_GetHistoryPaginates(t *testing.T) {
	l := newTestLedger()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, _ = l.AppendTransaction(context.Background(), &Transaction{
			UserID: "renter_1", Amount: 10, Kind: KindDeposit, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	r := newHandlerRouter(l, "renter_1")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items      []Transaction `json:"items"`
		NextCursor string        `json:"nextCursor"`
		HasMore    bool          `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?limit=2&cursor="+page.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}

func TestHandler_BadCursor(t *testing.T) {
	w := httptest.NewRecorder()
	newHandlerRouter(newTestLedger(), "u").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?cursor=not-base64!!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdminVerify(t *testing.T) {
	l := newTestLedger()
	_, _ = l.AppendTransaction(context.Background(), &Transaction{UserID: "u2", Amount: 40, Kind: KindDeposit})

	w := httptest.NewRecorder()
	newHandlerRouter(l, "ops").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/wallets/u2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)
}
