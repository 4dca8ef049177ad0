package checkout

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes checkout over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up checkout routes. Confirmation normally arrives via
// the payment webhook; the HTTP route is for operators and the sandbox
// provider.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Start)
	r.POST("/checkout/:orderId/confirm", auth.RequireAdmin(), h.Confirm)
	r.POST("/checkout/:orderId/abandon", h.Abandon)
}

type startBody struct {
	ListingID string `json:"listingId"`
	Quantity  int    `json:"quantity"`
}

// Start handles POST /checkout
func (h *Handler) Start(c *gin.Context) {
	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("listingId", body.ListingID),
		validation.ValidID("listingId", body.ListingID),
		validation.Positive("quantity", int64(body.Quantity)),
	)) {
		return
	}

	sess, err := h.svc.Start(c.Request.Context(), StartRequest{
		ListingID: body.ListingID,
		BuyerID:   auth.Actor(c),
		Quantity:  body.Quantity,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

type confirmBody struct {
	ReservationID string `json:"reservationId"`
	ProviderRef   string `json:"providerRef"`
	Provider      string `json:"provider"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// Confirm handles POST /checkout/:orderId/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.ValidID("reservationId", body.ReservationID),
		validation.Required("providerRef", body.ProviderRef),
		validation.MaxLength("providerRef", body.ProviderRef, 255),
		validation.Required("amount", body.Amount),
		validation.ValidAmount("amount", body.Amount),
		validation.Required("currency", body.Currency),
		validation.ValidCurrency("currency", body.Currency),
	)) {
		return
	}
	cents, err := money.ParseCents(body.Amount)
	if err != nil {
		apperr.BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.ConfirmPayment(c.Request.Context(), ConfirmRequest{
		OrderID:       c.Param("orderId"),
		ReservationID: body.ReservationID,
		ProviderRef:   body.ProviderRef,
		Provider:      body.Provider,
		AmountCents:   cents,
		Currency:      body.Currency,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if !res.Duplicate {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

type abandonBody struct {
	ReservationID string `json:"reservationId"`
}

// Abandon handles POST /checkout/:orderId/abandon
func (h *Handler) Abandon(c *gin.Context) {
	var body abandonBody
	// An empty body is fine: the active reservation is looked up.
	_ = c.ShouldBindJSON(&body)
	if validation.Abort(c, validation.Validate(
		validation.ValidID("reservationId", body.ReservationID),
	)) {
		return
	}

	o, err := h.svc.Abandon(c.Request.Context(), c.Param("orderId"), body.ReservationID, auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
