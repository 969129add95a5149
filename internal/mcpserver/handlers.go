package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *HearthClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *HearthClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckWallet returns the user's balance.
func (h *Handlers) HandleCheckWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWallet(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleTopUpWallet starts a wallet top-up.
func (h *Handlers) HandleTopUpWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := int64(req.GetFloat("amount_minor_units", 0))
	if amount <= 0 {
		return mcp.NewToolResultError("amount_minor_units must be a positive integer"), nil
	}
	currency := req.GetString("currency", "")

	raw, err := h.client.TopUp(ctx, amount, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Top-up failed: %v", err)), nil
	}

	var resp struct {
		Hold         map[string]any `json:"hold"`
		ClientSecret string         `json:"clientSecret"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Hold == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse top-up: %s", string(raw))), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Top-up started for %s\n"+
			"Hold ID: %s\n"+
			"Client secret: %s\n\n"+
			"Complete the card payment with the client secret. "+
			"The wallet is credited when the provider confirms it.",
		formatAmount(resp.Hold), getString(resp.Hold, "id"), resp.ClientSecret)), nil
}

// HandleListBookings lists the user's bookings.
func (h *Handlers) HandleListBookings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "renter")

	raw, err := h.client.ListBookings(ctx, role)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bookings: %v", err)), nil
	}

	text, err := formatBookingList(raw, role)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bookings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetBooking shows one booking.
func (h *Handlers) HandleGetBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.GetBooking(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get booking: %v", err)), nil
	}

	b, err := unwrap(raw, "booking")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse booking: %v", err)), nil
	}

	return mcp.NewToolResultText(formatBooking(b)), nil
}

// HandleCheckAvailability checks a listing's dates.
func (h *Handlers) HandleCheckAvailability(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listingID := req.GetString("listing_id", "")
	checkIn := req.GetString("check_in", "")
	checkOut := req.GetString("check_out", "")
	if listingID == "" || checkIn == "" || checkOut == "" {
		return mcp.NewToolResultError("listing_id, check_in and check_out are required"), nil
	}

	raw, err := h.client.CheckAvailability(ctx, listingID, checkIn, checkOut)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check availability: %v", err)), nil
	}

	var resp struct {
		Available bool `json:"available"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse availability: %v", err)), nil
	}

	if resp.Available {
		return mcp.NewToolResultText(fmt.Sprintf("Listing %s is available from %s to %s.", listingID, checkIn, checkOut)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Listing %s is already booked for some nights between %s and %s.", listingID, checkIn, checkOut)), nil
}

// HandleCancelBooking cancels a booking.
func (h *Handlers) HandleCancelBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.CancelBooking(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancellation failed: %v", err)), nil
	}

	var resp struct {
		Booking       map[string]any `json:"booking"`
		EscrowRelease string         `json:"escrowRelease"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse cancellation: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking %s cancelled.\n", id)
	if resp.EscrowRelease == "deferred" {
		sb.WriteString("The payment could not be released right now. It will be released automatically.\n")
	} else {
		sb.WriteString("Any payment has been released or refunded.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetHold shows one escrow hold.
func (h *Handlers) HandleGetHold(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("hold_id", "")
	if id == "" {
		return mcp.NewToolResultError("hold_id is required"), nil
	}

	raw, err := h.client.GetHold(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get hold: %v", err)), nil
	}

	hold, err := unwrap(raw, "hold")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse hold: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Hold %s\n", getString(hold, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(hold, "status"))
	fmt.Fprintf(&sb, "  Amount: %s\n", formatAmount(hold))
	if v, ok := getFloat(hold, "refundedMinorUnits"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Refunded: %s\n", minor(int64(v), getString(hold, "currency")))
	}
	fmt.Fprintf(&sb, "  For: %s %s\n", getString(hold, "subjectType"), getString(hold, "subjectId"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunReconciliation runs one operator sweep.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.client.cfg.AdminSecret == "" {
		return mcp.NewToolResultError("run_reconciliation needs HEARTH_ADMIN_SECRET"), nil
	}

	raw, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	m, err := unwrap(raw, "report")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Reconciliation report:\n")
	fmt.Fprintf(&sb, "  Orphaned holds: %s found, %s released\n", getString(m, "orphansFound"), getString(m, "orphansReleased"))
	fmt.Fprintf(&sb, "  Stale holds:    %s found, %s cancelled\n", getString(m, "staleHoldsFound"), getString(m, "staleHoldsCancelled"))
	fmt.Fprintf(&sb, "  Wallets:        %s checked\n", getString(m, "accountsChecked"))
	if mm, ok := m["mismatches"].([]any); ok && len(mm) > 0 {
		fmt.Fprintf(&sb, "\nBalance mismatches (%d):\n%s\n", len(mm), formatJSON(mustMarshal(mm)))
	}
	if errs, ok := m["errors"].([]any); ok && len(errs) > 0 {
		fmt.Fprintf(&sb, "\nErrors (%d):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(&sb, "  - %v\n", e)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// unwrap returns raw[key] as an object, or raw itself when the key is absent.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if inner, ok := m[key].(map[string]any); ok {
		return inner, nil
	}
	return m, nil
}

func formatWallet(raw json.RawMessage) (string, error) {
	w, err := unwrap(raw, "wallet")
	if err != nil {
		return "", err
	}
	bal, _ := getFloat(w, "balanceMinorUnits")

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	fmt.Fprintf(&sb, "  Balance: %s\n", minor(int64(bal), ""))
	return sb.String(), nil
}

func formatBookingList(raw json.RawMessage, role string) (string, error) {
	var resp struct {
		Bookings []map[string]any `json:"bookings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected bookings response format")
	}

	if len(resp.Bookings) == 0 {
		return fmt.Sprintf("No bookings as %s.", role), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d booking(s) as %s:\n\n", len(resp.Bookings), role)
	for i, b := range resp.Bookings {
		fmt.Fprintf(&sb, "%d. %s", i+1, formatBooking(b))
		if i < len(resp.Bookings)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBooking(b map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]\n", getString(b, "id"), getString(b, "status"))
	fmt.Fprintf(&sb, "   Listing: %s | %s to %s | %s guest(s)\n",
		getString(b, "listingId"), dateOnly(getString(b, "checkIn")), dateOnly(getString(b, "checkOut")), getString(b, "guestCount"))
	total, _ := getFloat(b, "totalPriceMinorUnits")
	fmt.Fprintf(&sb, "   Total: %s\n", minor(int64(total), getString(b, "currency")))
	if reason := getString(b, "cancellationReason"); reason != "" {
		fmt.Fprintf(&sb, "   Cancelled: %s\n", reason)
	}
	return sb.String()
}

func formatAmount(m map[string]any) string {
	v, _ := getFloat(m, "amountMinorUnits")
	return minor(int64(v), getString(m, "currency"))
}

// minor renders minor units with two decimals, e.g. 12345 usd as "123.45 USD".
func minor(v int64, currency string) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	s := fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
	if currency != "" {
		s += " " + strings.ToUpper(currency)
	}
	return s
}

func dateOnly(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
