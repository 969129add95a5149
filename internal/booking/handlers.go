package booking

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/validation"
)

// Handler provides HTTP endpoints for bookings.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id/availability", validation.IDParamMiddleware("id"), h.Availability)
}

// RegisterProtectedRoutes sets up auth-required booking routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.GET("/bookings", h.ListBookings)

	b := r.Group("/bookings/:id", validation.IDParamMiddleware("id"))
	b.GET("", h.GetBooking)
	b.POST("/payment", h.StartPayment)
	b.POST("/confirm", h.ConfirmBooking)
	b.POST("/cancel", h.CancelBooking)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bookings/:id/complete", validation.IDParamMiddleware("id"), h.CompleteBooking)
}

// CreateBookingRequest is the body of POST /v1/bookings. Dates are YYYY-MM-DD.
type CreateBookingRequest struct {
	ListingID  string `json:"listingId" binding:"required"`
	CheckIn    string `json:"checkIn" binding:"required"`
	CheckOut   string `json:"checkOut" binding:"required"`
	GuestCount int    `json:"guestCount" binding:"required"`
}

// CancelBookingRequest is the body of POST /v1/bookings/:id/cancel.
type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	var status int
	var code string
	switch {
	case IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrTooEarly):
		status, code = http.StatusConflict, "too_early"
	case errors.Is(err, ErrUnavailable):
		status, code = http.StatusConflict, "unavailable"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	default:
		status, code = escrow.ErrorStatus(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("booking request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// loadVisible fetches a booking the caller is a party to, or any booking for admins.
func (h *Handler) loadVisible(c *gin.Context) (*Booking, bool) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if !b.IsParty(auth.UserID(c)) && !auth.IsAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "booking not found"})
		return nil, false
	}
	return b, true
}

// Availability handles GET /v1/listings/:id/availability?checkIn=&checkOut=
func (h *Handler) Availability(c *gin.Context) {
	checkIn, checkOut, ok := parseDates(c, c.Query("checkIn"), c.Query("checkOut"))
	if !ok {
		return
	}
	available, err := h.service.IsAvailable(c.Request.Context(), c.Param("id"), checkIn, checkOut)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listingId": c.Param("id"), "available": available})
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("listingId", req.ListingID),
		validation.PositiveAmount("guestCount", int64(req.GuestCount)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	checkIn, checkOut, ok := parseDates(c, req.CheckIn, req.CheckOut)
	if !ok {
		return
	}

	result, err := h.service.Create(c.Request.Context(), CreateRequest{
		ListingID:  req.ListingID,
		RenterID:   auth.UserID(c),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		GuestCount: req.GuestCount,
	})
	if err != nil && result == nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"booking": result.Booking}
	if err != nil {
		// Booked, but the card payment has to be started again.
		_, code := escrow.ErrorStatus(err)
		resp["paymentError"] = gin.H{"error": code, "message": err.Error()}
	} else {
		resp["hold"] = result.Hold
		resp["clientSecret"] = result.Hold.ClientSecret
	}
	c.JSON(http.StatusCreated, resp)
}

// ListBookings handles GET /v1/bookings?role=renter|host
func (h *Handler) ListBookings(c *gin.Context) {
	ctx := c.Request.Context()
	var out []*Booking
	var err error
	if c.Query("role") == "host" {
		out, err = h.service.ListByHost(ctx, auth.UserID(c), 50)
	} else {
		out, err = h.service.ListByRenter(ctx, auth.UserID(c), 50)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": out, "count": len(out)})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, ok := h.loadVisible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// StartPayment handles POST /v1/bookings/:id/payment
func (h *Handler) StartPayment(c *gin.Context) {
	if _, ok := h.loadVisible(c); !ok {
		return
	}
	hold, err := h.service.StartPayment(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold, "clientSecret": hold.ClientSecret})
}

// ConfirmBooking handles POST /v1/bookings/:id/confirm
func (h *Handler) ConfirmBooking(c *gin.Context) {
	if _, ok := h.loadVisible(c); !ok {
		return
	}
	b, err := h.service.Confirm(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// CancelBooking handles POST /v1/bookings/:id/cancel. A cancellation whose
// escrow release was deferred answers 202.
func (h *Handler) CancelBooking(c *gin.Context) {
	if _, ok := h.loadVisible(c); !ok {
		return
	}
	var req CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if errors.Is(err, ErrReleaseDeferred) {
		c.JSON(http.StatusAccepted, gin.H{"booking": b, "escrowRelease": "deferred"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// CompleteBooking handles POST /v1/admin/bookings/:id/complete
func (h *Handler) CompleteBooking(c *gin.Context) {
	b, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

func parseDates(c *gin.Context, in, out string) (time.Time, time.Time, bool) {
	if errs := validation.Validate(
		validation.ValidDate("checkIn", in),
		validation.ValidDate("checkOut", out),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return time.Time{}, time.Time{}, false
	}
	checkIn, _ := time.Parse(validation.DateLayout, in)
	checkOut, _ := time.Parse(validation.DateLayout, out)
	return checkIn, checkOut, true
}
