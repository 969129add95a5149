package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DevHandler issues tokens for arbitrary user ids. Registered only in development.
type DevHandler struct {
	tokens *TokenService
}

// NewDevHandler creates a development token handler.
func NewDevHandler(tokens *TokenService) *DevHandler {
	return &DevHandler{tokens: tokens}
}

// RegisterRoutes sets up the dev token route.
func (h *DevHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/dev/tokens", h.IssueToken)
}

// IssueToken handles POST /v1/dev/tokens
func (h *DevHandler) IssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	token, err := h.tokens.Issue(req.UserID, req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": req.UserID})
}
