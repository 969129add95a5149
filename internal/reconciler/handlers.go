package reconciler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler receives provider webhook deliveries.
type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(r *Reconciler, logger *slog.Logger) *Handler {
	return &Handler{reconciler: r, logger: logger}
}

// RegisterRoutes sets up the webhook endpoint. It carries no user auth; the
// provider signature authenticates each delivery.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payment", h.ReceivePayment)
}

// ReceivePayment handles POST /webhooks/payment
func (h *Handler) ReceivePayment(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	out := h.reconciler.Ingest(c.Request.Context(), payload, c.GetHeader(h.reconciler.SignatureHeader()))
	c.JSON(out.HTTPStatus, out)
}
