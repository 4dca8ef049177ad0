package escrow

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/validation"
)

// Handler exposes payment holds over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up hold routes. All of them expect an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/holds", h.ListMine)
	r.GET("/holds/:id", h.GetHold)
	r.POST("/holds/:id/release-code", h.IssueReleaseCode)
	r.POST("/holds/:id/release", h.ReleaseNow)
}

// ListMine handles GET /holds and returns the calling seller's holds.
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	holds, err := h.svc.ListBySeller(c.Request.Context(), auth.Actor(c), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holds": holds, "count": len(holds)})
}

// GetHold handles GET /holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	ok, err := h.svc.CanView(c.Request.Context(), hold, auth.Actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not a party to this hold"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// IssueReleaseCode handles POST /holds/:id/release-code. The code goes to
// the buyer out of band and is never echoed here.
func (h *Handler) IssueReleaseCode(c *gin.Context) {
	if _, err := h.svc.IssueReleaseCode(c.Request.Context(), c.Param("id"), auth.Actor(c)); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

type releaseBody struct {
	Code string `json:"code"`
}

// ReleaseNow handles POST /holds/:id/release
func (h *Handler) ReleaseNow(c *gin.Context) {
	var body releaseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid request body")
		return
	}
	if validation.Abort(c, validation.Validate(validation.Required("code", body.Code))) {
		return
	}
	hold, err := h.svc.ReleaseNow(c.Request.Context(), c.Param("id"), auth.Actor(c), body.Code)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}
