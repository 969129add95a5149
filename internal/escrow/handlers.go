package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/validation"
)

// Handler provides HTTP endpoints for holds and wallet top-ups.
type Handler struct {
	service         *Service
	defaultCurrency string
	logger          *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, defaultCurrency string, logger *slog.Logger) *Handler {
	return &Handler{service: service, defaultCurrency: defaultCurrency, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required hold routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/topups", h.CreateTopUp)
	r.GET("/holds", h.ListHolds)

	holds := r.Group("/holds/:id", validation.IDParamMiddleware("id"))
	holds.GET("", h.GetHold)
	holds.POST("/capture", h.CaptureHold)
	holds.POST("/cancel", h.CancelHold)
	holds.POST("/refund", h.RefundHold)
}

// TopUpRequest is the body of POST /v1/wallet/topups.
type TopUpRequest struct {
	AmountMinorUnits int64  `json:"amountMinorUnits" binding:"required"`
	Currency         string `json:"currency"`
}

// RefundRequest is the body of POST /v1/holds/:id/refund. Omit the amount to
// refund the remainder and close the hold.
type RefundRequest struct {
	AmountMinorUnits *int64 `json:"amountMinorUnits"`
}

// ErrorStatus maps escrow, ledger and gateway errors to an HTTP status and code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrHoldNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrHoldAlreadyExists):
		return http.StatusConflict, "hold_exists"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusPaymentRequired, "payment_rejected"
	case errors.Is(err, gateway.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("hold request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// loadVisible fetches a hold the caller may see: its payer, its payee or an admin.
func (h *Handler) loadVisible(c *gin.Context) (*Hold, bool) {
	hold, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	caller := auth.UserID(c)
	if caller != hold.PayerID && caller != hold.PayeeID && !auth.IsAdmin(c) {
		// Not found rather than forbidden, so hold ids cannot be probed.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "hold not found"})
		return nil, false
	}
	return hold, true
}

// CreateTopUp handles POST /v1/wallet/topups
func (h *Handler) CreateTopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Currency == "" {
		req.Currency = h.defaultCurrency
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amountMinorUnits", req.AmountMinorUnits),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	hold, err := h.service.TopUp(c.Request.Context(), auth.UserID(c), req.AmountMinorUnits, req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold, "clientSecret": hold.ClientSecret})
}

// GetHold handles GET /v1/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ListHolds handles GET /v1/holds
func (h *Handler) ListHolds(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	holds, err := h.service.ListByPayer(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holds": holds, "count": len(holds)})
}

// CaptureHold handles POST /v1/holds/:id/capture. Payee or admin only.
func (h *Handler) CaptureHold(c *gin.Context) {
	hold, ok := h.loadVisible(c)
	if !ok {
		return
	}
	if !h.isPayeeOrAdmin(c, hold) {
		return
	}

	captured, err := h.service.Capture(c.Request.Context(), hold.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": captured})
}

// CancelHold handles POST /v1/holds/:id/cancel
func (h *Handler) CancelHold(c *gin.Context) {
	hold, ok := h.loadVisible(c)
	if !ok {
		return
	}

	cancelled, err := h.service.CancelHold(c.Request.Context(), hold.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": cancelled})
}

// RefundHold handles POST /v1/holds/:id/refund. Payee or admin only.
func (h *Handler) RefundHold(c *gin.Context) {
	hold, ok := h.loadVisible(c)
	if !ok {
		return
	}
	if !h.isPayeeOrAdmin(c, hold) {
		return
	}

	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	refunded, err := h.service.Refund(c.Request.Context(), hold.ID, req.AmountMinorUnits)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": refunded})
}

func (h *Handler) isPayeeOrAdmin(c *gin.Context, hold *Hold) bool {
	if auth.IsAdmin(c) || (hold.PayeeID != "" && auth.UserID(c) == hold.PayeeID) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "unauthorized",
		"message": "Only the payee can perform this operation",
	})
	return false
}
