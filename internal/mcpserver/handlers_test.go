package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:      ts.URL,
		Token:       "tok_renter",
		AdminSecret: "admin_secret",
	}
	h := NewHandlers(NewHearthClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func jsonHandler(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_UserRequestsCarryBearerToken(t *testing.T) {
	var gotAuth, gotAdmin string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewHearthClient(Config{APIURL: ts.URL, Token: "tok_123", AdminSecret: "s3cret"})
	_, err := client.GetWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_123", gotAuth)
	assert.Empty(t, gotAdmin)
}

func TestClient_AdminRequestsCarrySecret(t *testing.T) {
	var gotAuth, gotAdmin, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAdmin = r.Header.Get("X-Admin-Secret")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewHearthClient(Config{APIURL: ts.URL, Token: "tok_123", AdminSecret: "s3cret"})
	_, err := client.RunReconciliation(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
	assert.Equal(t, "s3cret", gotAdmin)
	assert.Equal(t, "/v1/admin/reconciliation/run", gotPath)
}

func TestClient_HTTPErrorUsesAPIMessage(t *testing.T) {
	ts := httptest.NewServer(jsonHandler(http.StatusConflict, map[string]any{
		"error":   "invalid_transition",
		"message": "booking is already cancelled",
	}))
	defer ts.Close()

	client := NewHearthClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.CancelBooking(context.Background(), "bkg_1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "booking is already cancelled")
}

func TestClient_HTTPErrorFallsBackToBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewHearthClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.GetWallet(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckWallet(t *testing.T) {
	h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{
		"wallet": map[string]any{"userId": "usr_1", "balanceMinorUnits": 12345},
	}))
	defer cleanup()

	result, err := h.HandleCheckWallet(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "123.45")
}

func TestHandleTopUpWallet(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallet/topups", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hold":         map[string]any{"id": "hold_1", "amountMinorUnits": 5000, "currency": "usd"},
			"clientSecret": "pi_1_secret",
		})
	}))
	defer cleanup()

	result, err := h.HandleTopUpWallet(context.Background(), makeRequest(map[string]any{
		"amount_minor_units": float64(5000),
		"currency":           "usd",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "hold_1")
	assert.Contains(t, text, "50.00 USD")
	assert.Contains(t, text, "pi_1_secret")
	assert.Equal(t, float64(5000), body["amountMinorUnits"])
}

func TestHandleTopUpWallet_RejectsNonPositive(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer cleanup()

	result, err := h.HandleTopUpWallet(context.Background(), makeRequest(map[string]any{"amount_minor_units": float64(0)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListBookings(t *testing.T) {
	var gotRole string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole = r.URL.Query().Get("role")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bookings": []map[string]any{{
				"id":                   "bkg_1",
				"listingId":            "lst_1",
				"status":               "CONFIRMED",
				"checkIn":              "2026-11-01T00:00:00Z",
				"checkOut":             "2026-11-03T00:00:00Z",
				"guestCount":           2,
				"totalPriceMinorUnits": 20000,
				"currency":             "usd",
			}},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListBookings(context.Background(), makeRequest(map[string]any{"role": "host"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "host", gotRole)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 booking(s) as host")
	assert.Contains(t, text, "bkg_1 [CONFIRMED]")
	assert.Contains(t, text, "2026-11-01 to 2026-11-03")
	assert.Contains(t, text, "200.00 USD")
}

func TestHandleListBookings_Empty(t *testing.T) {
	h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{"bookings": []any{}, "count": 0}))
	defer cleanup()

	result, err := h.HandleListBookings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No bookings as renter.", resultText(t, result))
}

func TestHandleGetBooking(t *testing.T) {
	h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{
		"booking": map[string]any{
			"id":                 "bkg_9",
			"status":             "CANCELLED",
			"cancellationReason": "plans changed",
		},
	}))
	defer cleanup()

	result, err := h.HandleGetBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bkg_9"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "bkg_9 [CANCELLED]")
	assert.Contains(t, text, "plans changed")
}

func TestHandleGetBooking_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetBooking(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "booking_id is required")
}

func TestHandleCheckAvailability(t *testing.T) {
	var gotPath, gotIn, gotOut string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIn = r.URL.Query().Get("checkIn")
		gotOut = r.URL.Query().Get("checkOut")
		_ = json.NewEncoder(w).Encode(map[string]any{"listingId": "lst_1", "available": false})
	}))
	defer cleanup()

	result, err := h.HandleCheckAvailability(context.Background(), makeRequest(map[string]any{
		"listing_id": "lst_1",
		"check_in":   "2026-11-01",
		"check_out":  "2026-11-03",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/v1/listings/lst_1/availability", gotPath)
	assert.Equal(t, "2026-11-01", gotIn)
	assert.Equal(t, "2026-11-03", gotOut)
	assert.Contains(t, resultText(t, result), "already booked")
}

func TestHandleCheckAvailability_MissingDates(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleCheckAvailability(context.Background(), makeRequest(map[string]any{"listing_id": "lst_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCancelBooking(t *testing.T) {
	t.Run("released", func(t *testing.T) {
		h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{
			"booking": map[string]any{"id": "bkg_1", "status": "CANCELLED"},
		}))
		defer cleanup()

		result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bkg_1"}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Contains(t, resultText(t, result), "released or refunded")
	})

	t.Run("deferred", func(t *testing.T) {
		h, cleanup := newTestSetup(jsonHandler(http.StatusAccepted, map[string]any{
			"booking":       map[string]any{"id": "bkg_1", "status": "CANCELLED"},
			"escrowRelease": "deferred",
		}))
		defer cleanup()

		result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bkg_1"}))
		require.NoError(t, err)
		assert.Contains(t, resultText(t, result), "released automatically")
	})

	t.Run("conflict", func(t *testing.T) {
		h, cleanup := newTestSetup(jsonHandler(http.StatusConflict, map[string]any{
			"error": "invalid_transition", "message": "booking is completed",
		}))
		defer cleanup()

		result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bkg_1"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "booking is completed")
	})
}

func TestHandleGetHold(t *testing.T) {
	h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{
		"hold": map[string]any{
			"id":                 "hold_1",
			"status":             "CAPTURED",
			"amountMinorUnits":   20000,
			"refundedMinorUnits": 5000,
			"currency":           "usd",
			"subjectType":        "booking",
			"subjectId":          "bkg_1",
		},
	}))
	defer cleanup()

	result, err := h.HandleGetHold(context.Background(), makeRequest(map[string]any{"hold_id": "hold_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: CAPTURED")
	assert.Contains(t, text, "Amount: 200.00 USD")
	assert.Contains(t, text, "Refunded: 50.00 USD")
	assert.Contains(t, text, "booking bkg_1")
}

func TestHandleRunReconciliation(t *testing.T) {
	h, cleanup := newTestSetup(jsonHandler(http.StatusOK, map[string]any{
		"report": map[string]any{
			"orphansFound":        2,
			"orphansReleased":     1,
			"staleHoldsFound":     0,
			"staleHoldsCancelled": 0,
			"accountsChecked":     7,
			"mismatches": []map[string]any{
				{"userId": "usr_1", "storedMinorUnits": 100, "computedMinorUnits": 90},
			},
			"errors": []string{"release hold_2: gateway unavailable"},
		},
	}))
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 found, 1 released")
	assert.Contains(t, text, "7 checked")
	assert.Contains(t, text, "Balance mismatches (1)")
	assert.Contains(t, text, "gateway unavailable")
}

func TestHandleRunReconciliation_NeedsAdminSecret(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	h := NewHandlers(NewHearthClient(Config{APIURL: ts.URL, Token: "t"}))

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMinor(t *testing.T) {
	assert.Equal(t, "0.05", minor(5, ""))
	assert.Equal(t, "-12.30 EUR", minor(-1230, "eur"))
	assert.Equal(t, "1000.00 USD", minor(100000, "usd"))
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t"}))
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t", AdminSecret: "s"}))
}
