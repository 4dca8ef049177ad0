package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new admin handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up admin routes. The caller applies the admin guard.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("", validation.IDParamMiddleware())
	g.POST("/refunds/:id/settle", h.settleRefund)
	g.POST("/payouts/:id/complete", h.completePayout)
	g.POST("/payouts/:id/fail", h.failPayout)
}

type settleBody struct {
	ProviderRef string `json:"providerRef"`
}

// settleRefund completes a refund whose gateway call timed out after the
// operator confirmed it with the provider.
func (h *Handler) settleRefund(c *gin.Context) {
	var body settleBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			apperr.BadRequest(c, "invalid request body")
			return
		}
	}
	if validation.Abort(c, validation.Validate(
		validation.MaxLength("providerRef", body.ProviderRef, 255),
	)) {
		return
	}

	r, err := h.svc.SettleRefund(c.Request.Context(), c.Param("id"), body.ProviderRef, auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

func (h *Handler) completePayout(c *gin.Context) {
	e, err := h.svc.ResolvePayout(c.Request.Context(), c.Param("id"), true, "", auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}

type failBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) failPayout(c *gin.Context) {
	var body failBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.Required("reason", body.Reason),
		validation.MaxLength("reason", body.Reason, validation.MaxStringLength),
	)) {
		return
	}

	reason := validation.SanitizeString(body.Reason, validation.MaxStringLength)
	e, err := h.svc.ResolvePayout(c.Request.Context(), c.Param("id"), false, reason, auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": e})
}
