package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the Hearth API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	Token       string // Bearer token of the acting user
	AdminSecret string // Optional, enables operator tools
}

// HearthClient is a pure HTTP client for the Hearth API.
type HearthClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewHearthClient creates a new client for the Hearth API.
func NewHearthClient(cfg Config) *HearthClient {
	return &HearthClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *HearthClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if admin {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWallet returns the user's wallet balance.
func (c *HearthClient) GetWallet(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil, false)
}

// TopUp starts a card payment into the wallet.
func (c *HearthClient) TopUp(ctx context.Context, amount int64, currency string) (json.RawMessage, error) {
	body := map[string]any{"amountMinorUnits": amount}
	if currency != "" {
		body["currency"] = currency
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallet/topups", nil, body, false)
}

// ListBookings lists the user's bookings as renter or host.
func (c *HearthClient) ListBookings(ctx context.Context, role string) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings", q, nil, false)
}

// GetBooking returns one booking the user is a party to.
func (c *HearthClient) GetBooking(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(id), nil, nil, false)
}

// CheckAvailability reports whether a listing is free for the given nights.
func (c *HearthClient) CheckAvailability(ctx context.Context, listingID, checkIn, checkOut string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("checkIn", checkIn)
	q.Set("checkOut", checkOut)
	return c.doRequest(ctx, http.MethodGet, "/v1/listings/"+url.PathEscape(listingID)+"/availability", q, nil, false)
}

// CancelBooking cancels a booking and releases its escrow.
func (c *HearthClient) CancelBooking(ctx context.Context, id, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings/"+url.PathEscape(id)+"/cancel", nil, body, false)
}

// GetHold returns one escrow hold.
func (c *HearthClient) GetHold(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/holds/"+url.PathEscape(id), nil, nil, false)
}

// RunReconciliation runs one operator sweep.
func (c *HearthClient) RunReconciliation(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconciliation/run", nil, nil, true)
}
