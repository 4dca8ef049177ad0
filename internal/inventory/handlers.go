package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes listings and reservations over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up inventory routes. All of them expect an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings/:id", h.GetListing)
	r.POST("/listings/:id/restock", h.Restock)
	r.POST("/reservations", h.Reserve)
	r.GET("/reservations/:id", h.GetReservation)
	r.POST("/reservations/:id/release", h.Release)
}

// createListingBody is the body of POST /listings. Price is a decimal
// string such as "19.99".
type createListingBody struct {
	Title    string `json:"title"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Quantity int    `json:"quantity"`
}

// CreateListing handles POST /listings
func (h *Handler) CreateListing(c *gin.Context) {
	var body createListingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("title", body.Title),
		validation.MaxLength("title", body.Title, 200),
		validation.Required("price", body.Price),
		validation.ValidAmount("price", body.Price),
		validation.ValidCurrency("currency", body.Currency),
	)) {
		return
	}
	if body.Currency == "" {
		body.Currency = "USD"
	}
	cents, err := money.ParseCents(body.Price)
	if err != nil {
		apperr.BadRequest(c, err.Error())
		return
	}
	l, err := h.svc.CreateListing(c.Request.Context(), CreateListingRequest{
		SellerID:   auth.Actor(c),
		Title:      validation.SanitizeString(body.Title, 200),
		PriceCents: cents,
		Currency:   body.Currency,
		Quantity:   body.Quantity,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.svc.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	avail, err := h.svc.Availability(c.Request.Context(), l.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listing":      l,
		"availability": avail,
		"price":        money.FormatCents(l.PriceCents),
	})
}

type restockBody struct {
	Delta int `json:"delta" binding:"required"`
}

// Restock handles POST /listings/:id/restock
func (h *Handler) Restock(c *gin.Context) {
	var body restockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "delta is required")
		return
	}
	l, err := h.svc.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	actor := auth.Actor(c)
	if actor != l.SellerID && !auth.IsAdmin(actor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your listing"})
		return
	}
	l, err = h.svc.Restock(c.Request.Context(), l.ID, body.Delta)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

type reserveBody struct {
	ListingID  string `json:"listingId" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Reserve handles POST /reservations
func (h *Handler) Reserve(c *gin.Context) {
	var body reserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "listingId and quantity are required")
		return
	}
	r, err := h.svc.Reserve(c.Request.Context(), ReserveRequest{
		ListingID: body.ListingID,
		BuyerID:   auth.Actor(c),
		Quantity:  body.Quantity,
		TTL:       time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": r})
}

// GetReservation handles GET /reservations/:id
func (h *Handler) GetReservation(c *gin.Context) {
	r, ok := h.ownReservation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// Release handles POST /reservations/:id/release
func (h *Handler) Release(c *gin.Context) {
	if _, ok := h.ownReservation(c); !ok {
		return
	}
	r, err := h.svc.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

func (h *Handler) ownReservation(c *gin.Context) (*Reservation, bool) {
	r, err := h.svc.GetReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	actor := auth.Actor(c)
	if actor != r.BuyerID && !auth.IsPrivileged(actor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your reservation"})
		return nil, false
	}
	return r, true
}
