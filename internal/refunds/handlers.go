package refunds

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes refunds over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up refund routes. All of them expect an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.Initiate)
	r.GET("/refunds", h.ListByOrder)
	r.GET("/refunds/:id", h.GetRefund)
	r.POST("/refunds/:id/process", h.Process)
	r.POST("/refunds/:id/cancel", h.Cancel)
}

// initiateBody is the body of POST /refunds. Amount is a decimal string and
// may be omitted for a full refund.
type initiateBody struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
}

// Initiate handles POST /refunds
func (h *Handler) Initiate(c *gin.Context) {
	var body initiateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("orderId", body.OrderID),
		validation.ValidID("orderId", body.OrderID),
		validation.ValidID("paymentId", body.PaymentID),
		validation.ValidAmount("amount", body.Amount),
		validation.OneOf("type", body.Type, string(TypeFull), string(TypePartial), string(TypeStoreCredit)),
		validation.MaxLength("reason", body.Reason, 500),
	)) {
		return
	}

	var cents int64
	if body.Amount != "" {
		var err error
		if cents, err = money.ParseCents(body.Amount); err != nil {
			apperr.BadRequest(c, err.Error())
			return
		}
	}
	r, err := h.svc.Initiate(c.Request.Context(), InitiateRequest{
		OrderID:     body.OrderID,
		PaymentID:   body.PaymentID,
		AmountCents: cents,
		Type:        Type(body.Type),
		Reason:      validation.SanitizeString(body.Reason, 500),
		RequestedBy: auth.Actor(c),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": r})
}

// GetRefund handles GET /refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !r.CanView(auth.Actor(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not a party to this refund"})
		return
	}
	attempts, err := h.svc.Attempts(c.Request.Context(), r.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r, "attempts": attempts})
}

// ListByOrder handles GET /refunds?orderId=
func (h *Handler) ListByOrder(c *gin.Context) {
	orderID := c.Query("orderId")
	if validation.Abort(c, validation.Validate(
		validation.Required("orderId", orderID),
		validation.ValidID("orderId", orderID),
	)) {
		return
	}
	list, err := h.svc.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	actor := auth.Actor(c)
	visible := list[:0]
	for _, r := range list {
		if r.CanView(actor) {
			visible = append(visible, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"refunds": visible, "count": len(visible)})
}

// Process handles POST /refunds/:id/process. Sellers and operators may
// push a refund to the provider. A refund still awaiting provider
// confirmation answers 202.
func (h *Handler) Process(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	actor := auth.Actor(c)
	if actor != r.SellerID && !auth.IsPrivileged(actor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only the seller or an operator can process refunds"})
		return
	}
	r, err = h.svc.Process(ctx, r.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if r.Status == StatusProcessing {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"refund": r})
}

// Cancel handles POST /refunds/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	r, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}
