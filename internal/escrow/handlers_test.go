package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandlerRouter(svc *Service, userID, role string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, userID)
		if role != "" {
			c.Set(auth.ContextKeyRole, role)
		}
		c.Next()
	})
	NewHandler(svc, "usd", logging.Discard()).RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateTopUp(t *testing.T) {
	env := newTestEnv(t)
	r := newHandlerRouter(env.svc, "user_a", "")

	w := doJSON(r, http.MethodPost, "/v1/wallet/topups", TopUpRequest{AmountMinorUnits: 2000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Hold         Hold   `json:"hold"`
		ClientSecret string `json:"clientSecret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusCreated, body.Hold.Status)
	assert.Equal(t, SubjectWalletTopUp, body.Hold.SubjectType)
	assert.Equal(t, "usd", body.Hold.Currency)
	assert.NotEmpty(t, body.ClientSecret)

	w = doJSON(r, http.MethodPost, "/v1/wallet/topups", TopUpRequest{AmountMinorUnits: -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/wallet/topups", TopUpRequest{AmountMinorUnits: 500, Currency: "dollars"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateTopUp_GatewayDown(t *testing.T) {
	env := newTestEnv(t)
	env.gw.FailNext("create", gateway.ErrGatewayUnavailable)

	w := doJSON(newHandlerRouter(env.svc, "user_a", ""), http.MethodPost, "/v1/wallet/topups", TopUpRequest{AmountMinorUnits: 2000})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_GetHold_Visibility(t *testing.T) {
	env := newTestEnv(t)
	h := env.authorizedBookingHold(t, "bkg_h1")
	path := "/v1/holds/" + h.ID

	for _, tc := range []struct {
		user, role string
		want       int
	}{
		{"renter_1", "", http.StatusOK},
		{"host_1", "", http.StatusOK},
		{"admin_1", auth.RoleAdmin, http.StatusOK},
		{"stranger", "", http.StatusNotFound},
	} {
		w := doJSON(newHandlerRouter(env.svc, tc.user, tc.role), http.MethodGet, path, nil)
		assert.Equal(t, tc.want, w.Code, "user %s", tc.user)
	}

	w := doJSON(newHandlerRouter(env.svc, "renter_1", ""), http.MethodGet, "/v1/holds/bad%20id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CaptureOnlyPayee(t *testing.T) {
	env := newTestEnv(t)
	h := env.authorizedBookingHold(t, "bkg_h2")
	path := fmt.Sprintf("/v1/holds/%s/capture", h.ID)

	w := doJSON(newHandlerRouter(env.svc, "renter_1", ""), http.MethodPost, path, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(newHandlerRouter(env.svc, "host_1", ""), http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Hold Hold `json:"hold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusCaptured, body.Hold.Status)

	w = doJSON(newHandlerRouter(env.svc, "host_1", ""), http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_RefundPartialAndFull(t *testing.T) {
	env := newTestEnv(t)
	h := env.authorizedBookingHold(t, "bkg_h3")
	_, err := env.svc.Capture(t.Context(), h.ID)
	require.NoError(t, err)

	r := newHandlerRouter(env.svc, "host_1", "")
	path := fmt.Sprintf("/v1/holds/%s/refund", h.ID)

	part := int64(5000)
	w := doJSON(r, http.MethodPost, path, RefundRequest{AmountMinorUnits: &part})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Hold Hold `json:"hold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusCaptured, body.Hold.Status)
	assert.Equal(t, int64(5000), body.Hold.Refunded)

	w = doJSON(r, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusRefunded, body.Hold.Status)
	assert.Equal(t, h.Amount, body.Hold.Refunded)
}

func TestHandler_CancelByPayer(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.svc.CreateHold(t.Context(), bookingRequest("bkg_h4"))
	require.NoError(t, err)

	w := doJSON(newHandlerRouter(env.svc, "renter_1", ""), http.MethodPost, "/v1/holds/"+h.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(newHandlerRouter(env.svc, "renter_1", ""), http.MethodGet, "/v1/holds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Holds []Hold `json:"holds"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, StatusCancelled, list.Holds[0].Status)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrHoldNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", ErrHoldAlreadyExists), http.StatusConflict},
		{ErrInvalidStatus, http.StatusConflict},
		{ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInsufficientBalance, http.StatusConflict},
		{gateway.ErrRejected, http.StatusPaymentRequired},
		{gateway.ErrGatewayTimeout, http.StatusGatewayTimeout},
		{gateway.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := ErrorStatus(tt.err)
		assert.Equal(t, tt.want, got, "%v", tt.err)
	}
}
