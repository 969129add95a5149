package listings

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/validation"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service         *Service
	defaultCurrency string
	logger          *slog.Logger
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service, defaultCurrency string, logger *slog.Logger) *Handler {
	return &Handler{service: service, defaultCurrency: defaultCurrency, logger: logger}
}

// RegisterRoutes sets up public listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", validation.IDParamMiddleware("id"), h.GetListing)
}

// RegisterProtectedRoutes sets up auth-required listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.ListMine)
}

// CreateListingRequest is the body of POST /v1/listings.
type CreateListingRequest struct {
	Title                   string `json:"title"`
	PricePerNightMinorUnits int64  `json:"pricePerNightMinorUnits" binding:"required"`
	Currency                string `json:"currency"`
	MaxGuests               int    `json:"maxGuests" binding:"required"`
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrListingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "listing not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get listing", "id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// CreateListing handles POST /v1/listings. The caller becomes the host.
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Currency == "" {
		req.Currency = h.defaultCurrency
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, validation.MaxStringLength),
		validation.PositiveAmount("pricePerNightMinorUnits", req.PricePerNightMinorUnits),
		validation.PositiveAmount("maxGuests", int64(req.MaxGuests)),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	l, err := h.service.Create(c.Request.Context(), CreateRequest{
		HostID:        auth.UserID(c),
		Title:         validation.SanitizeString(req.Title, validation.MaxStringLength),
		PricePerNight: req.PricePerNightMinorUnits,
		Currency:      req.Currency,
		MaxGuests:     req.MaxGuests,
	})
	if errors.Is(err, ErrInvalidListing) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to create listing", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create listing"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// ListMine handles GET /v1/listings
func (h *Handler) ListMine(c *gin.Context) {
	out, err := h.service.ListByHost(c.Request.Context(), auth.UserID(c), 50)
	if err != nil {
		h.logger.Error("failed to list listings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}
