package orders

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
)

// Refunder refunds a paid order in full. Settling the refund moves the
// order to refunded.
type Refunder interface {
	RefundOrder(ctx context.Context, orderID, requestedBy, reason string) (refundID string, err error)
}

// Handler exposes orders over HTTP.
type Handler struct {
	svc      *Service
	refunder Refunder
	logger   *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// WithRefunder turns a request to cancel a paid order into a full refund.
func (h *Handler) WithRefunder(r Refunder) *Handler {
	h.refunder = r
	return h
}

// RegisterRoutes sets up order routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.Get)
	r.GET("/orders/:id/history", h.History)
	r.POST("/orders/:id/transition", h.Transition)
}

// visible loads the order and checks the actor is a party to it.
func (h *Handler) visible(c *gin.Context) (*Order, bool) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	actor := auth.Actor(c)
	if actor != o.BuyerID && actor != o.SellerID && !auth.IsPrivileged(actor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your order"})
		return nil, false
	}
	return o, true
}

// List handles GET /orders?role=buyer|seller
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	actor := auth.Actor(c)

	var (
		page *Page
		err  error
	)
	switch c.DefaultQuery("role", "buyer") {
	case "buyer":
		page, err = h.svc.ListByBuyer(c.Request.Context(), actor, limit, c.Query("cursor"))
	case "seller":
		page, err = h.svc.ListBySeller(c.Request.Context(), actor, limit, c.Query("cursor"))
	default:
		apperr.BadRequest(c, "role must be buyer or seller")
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get handles GET /orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, ok := h.visible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// History handles GET /orders/:id/history
func (h *Handler) History(c *gin.Context) {
	o, ok := h.visible(c)
	if !ok {
		return
	}
	hist, err := h.svc.History(c.Request.Context(), o.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": hist})
}

type transitionBody struct {
	To     Status `json:"to" binding:"required"`
	Reason string `json:"reason"`
}

// Transition handles POST /orders/:id/transition. Requests from the API are
// always manual transitions initiated by the caller.
func (h *Handler) Transition(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "to is required")
		return
	}
	o, ok := h.visible(c)
	if !ok {
		return
	}
	out, err := h.svc.Transition(c.Request.Context(), TransitionRequest{
		OrderID:     o.ID,
		To:          body.To,
		Type:        TypeManual,
		InitiatedBy: auth.Actor(c),
		Reason:      body.Reason,
	})
	if errors.Is(err, ErrPaidOrder) && h.refunder != nil {
		h.cancelByRefund(c, o.ID, body.Reason)
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": out})
}

// cancelByRefund answers 200 once the refund has settled the order and 202
// while the provider has yet to confirm it.
func (h *Handler) cancelByRefund(c *gin.Context, orderID, reason string) {
	ctx := c.Request.Context()
	if reason == "" {
		reason = "order canceled"
	}
	refundID, err := h.refunder.RefundOrder(ctx, orderID, auth.Actor(c), reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	o, err := h.svc.Get(ctx, orderID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if o.Status != StatusRefunded {
		status = http.StatusAccepted
	}
	h.logger.Info("paid order canceled by refund", "order_id", orderID, "refund_id", refundID)
	c.JSON(status, gin.H{"order": o, "refundId": refundID})
}
