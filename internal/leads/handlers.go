package leads

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/validation"
)

// Handler provides HTTP endpoints for lead purchases.
type Handler struct {
	service         *Service
	defaultCurrency string
	logger          *slog.Logger
}

// NewHandler creates a new lead handler.
func NewHandler(service *Service, defaultCurrency string, logger *slog.Logger) *Handler {
	return &Handler{service: service, defaultCurrency: defaultCurrency, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required lead routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/leads/unlocked", h.ListUnlocked)

	lead := r.Group("/leads/:id", validation.IDParamMiddleware("id"))
	lead.GET("", h.GetLead)
	lead.POST("/purchase", h.PurchaseWithCard)
	lead.POST("/unlock", h.UnlockWithWallet)
}

// RegisterAdminRoutes sets up catalog management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/leads", h.CreateLead)
}

// CreateLeadRequest is the body of POST /v1/admin/leads.
type CreateLeadRequest struct {
	Title           string `json:"title"`
	PriceMinorUnits int64  `json:"priceMinorUnits" binding:"required"`
	Currency        string `json:"currency"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrLeadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "lead not found"})
	case errors.Is(err, ErrAlreadyUnlocked):
		c.JSON(http.StatusConflict, gin.H{"error": "already_unlocked", "message": err.Error()})
	case errors.Is(err, ErrInvalidLead):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		status, code := escrow.ErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("lead request failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
	}
}

// GetLead handles GET /v1/leads/:id
func (h *Handler) GetLead(c *gin.Context) {
	ctx := c.Request.Context()
	lead, err := h.service.GetLead(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	unlocked, err := h.service.IsUnlocked(ctx, auth.UserID(c), lead.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead": lead, "unlocked": unlocked})
}

// PurchaseWithCard handles POST /v1/leads/:id/purchase
func (h *Handler) PurchaseWithCard(c *gin.Context) {
	hold, err := h.service.PurchaseWithCard(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold, "clientSecret": hold.ClientSecret})
}

// UnlockWithWallet handles POST /v1/leads/:id/unlock
func (h *Handler) UnlockWithWallet(c *gin.Context) {
	u, err := h.service.UnlockWithWallet(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_balance",
			"message": "Wallet balance is too low, top up or pay by card",
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"unlock": u})
}

// ListUnlocked handles GET /v1/leads/unlocked
func (h *Handler) ListUnlocked(c *gin.Context) {
	out, err := h.service.ListUnlocked(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked": out, "count": len(out)})
}

// CreateLead handles POST /v1/admin/leads
func (h *Handler) CreateLead(c *gin.Context) {
	var req CreateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Currency == "" {
		req.Currency = h.defaultCurrency
	}
	if errs := validation.Validate(
		validation.PositiveAmount("priceMinorUnits", req.PriceMinorUnits),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("title", req.Title, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	lead, err := h.service.CreateLead(c.Request.Context(), req.Title, req.PriceMinorUnits, req.Currency)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"lead": lead})
}
