package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthhq/hearth/internal/auth"
	"github.com/hearthhq/hearth/internal/pagination"
)

// Handler provides HTTP endpoints for wallet reads
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterProtectedRoutes sets up routes for the authenticated user's wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetHistory)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:userId", h.AdminGetWallet)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.logger.Error("failed to load wallet", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": acct})
}

// GetHistory handles GET /v1/wallet/transactions?cursor=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	q := HistoryQuery{UserID: auth.UserID(c), Limit: limit + 1}
	if cursor != nil {
		q.BeforeAt, q.BeforeID = cursor.CreatedAt, cursor.ID
	}
	txs, err := h.ledger.store.History(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("failed to load wallet history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, pagination.NewPage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	}))
}

// AdminGetWallet handles GET /v1/admin/wallets/:userId and reports drift.
func (h *Handler) AdminGetWallet(c *gin.Context) {
	userID := c.Param("userId")
	stored, computed, err := h.ledger.Verify(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to verify wallet", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to verify wallet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":            userID,
		"balanceMinorUnits": stored,
		"ledgerSum":         computed,
		"consistent":        stored == computed,
	})
}
