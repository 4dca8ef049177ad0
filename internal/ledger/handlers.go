package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Service
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Service, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:id/balance", h.GetBalance)
	r.GET("/sellers/:id/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/:id/reverse", h.Reverse)
}

// canView lets sellers read their own ledger and admins read any.
func canView(c *gin.Context, sellerID string) bool {
	actor := auth.Actor(c)
	return actor == sellerID || auth.IsAdmin(actor)
}

// GetBalance handles GET /sellers/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	sellerID := c.Param("id")
	if !canView(c, sellerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your ledger"})
		return
	}

	balance, err := h.ledger.SellerBalance(c.Request.Context(), sellerID, c.DefaultQuery("currency", "USD"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /sellers/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	sellerID := c.Param("id")
	if !canView(c, sellerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your ledger"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, err := h.ledger.History(c.Request.Context(), sellerID, limit, c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ReverseRequest is the body of an admin reversal.
type ReverseRequest struct {
	AmountCents int64  `json:"amountCents"` // 0 reverses the full remainder
	Reason      string `json:"reason" binding:"required"`
}

// Reverse handles POST /ledger/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "reason is required")
		return
	}

	var (
		rev *Entry
		err error
	)
	if req.AmountCents > 0 {
		rev, err = h.ledger.ReverseAmount(c.Request.Context(), c.Param("id"), req.AmountCents, req.Reason)
	} else {
		rev, err = h.ledger.Reverse(c.Request.Context(), c.Param("id"), req.Reason)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	h.logger.Info("admin ledger reversal",
		"entry_id", c.Param("id"), "reversal_id", rev.ID, "actor", auth.Actor(c))
	c.JSON(http.StatusCreated, gin.H{"reversal": rev})
}
