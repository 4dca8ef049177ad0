package disputes

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes disputes over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up dispute routes. All of them expect an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes", auth.RequireAdmin(), h.ListOpen)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/status", h.Status)
	r.POST("/disputes/:id/resolve", auth.RequireAdmin(), h.Resolve)
}

type openBody struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Open handles POST /disputes
func (h *Handler) Open(c *gin.Context) {
	var body openBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("orderId", body.OrderID),
		validation.ValidID("orderId", body.OrderID),
		validation.Required("reason", body.Reason),
		validation.MaxLength("reason", body.Reason, 2000),
	)) {
		return
	}
	d, err := h.svc.Open(c.Request.Context(), OpenRequest{
		OrderID:  body.OrderID,
		OpenedBy: auth.Actor(c),
		Reason:   validation.SanitizeString(body.Reason, 2000),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, ok := h.visible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Status handles GET /disputes/:id/status
func (h *Handler) Status(c *gin.Context) {
	d, ok := h.visible(c)
	if !ok {
		return
	}
	rep, err := h.svc.Status(c.Request.Context(), d.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) visible(c *gin.Context) (*Dispute, bool) {
	d, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	actor := auth.Actor(c)
	if !d.IsParty(actor) && !auth.IsPrivileged(actor) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not a party to this dispute"})
		return nil, false
	}
	return d, true
}

// ListOpen handles GET /disputes (operators only)
func (h *Handler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.svc.ListOpen(c.Request.Context(), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

type resolveBody struct {
	Resolution string `json:"resolution"`
}

// Resolve handles POST /disputes/:id/resolve (operators only)
func (h *Handler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("resolution", body.Resolution),
		validation.OneOf("resolution", body.Resolution,
			string(ResolutionBuyerRefunded), string(ResolutionSellerReleased), string(ResolutionCaseClosed)),
	)) {
		return
	}
	d, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), Resolution(body.Resolution), auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
