package webhooks

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/validation"
)

// MaxPayloadSize caps provider payloads. Stripe events stay well below it.
const MaxPayloadSize = 64 << 10

// SignatureHeader carries the Stripe signature.
const SignatureHeader = "Stripe-Signature"

// Handler exposes the intake and its operator views.
type Handler struct {
	intake *Intake
	logger *slog.Logger
}

func NewHandler(intake *Intake, logger *slog.Logger) *Handler {
	return &Handler{intake: intake, logger: logger}
}

// RegisterProviderRoutes sets up the unauthenticated provider callback.
func (h *Handler) RegisterProviderRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Stripe)
}

// RegisterAdminRoutes sets up operator routes for inspecting and replaying
// events.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/webhooks/events", auth.RequireAdmin())
	g.GET("", h.ListEvents)
	g.GET("/:id", h.GetEvent)
	g.POST("/:id/replay", h.Replay)
}

// Stripe handles POST /webhooks/stripe
func (h *Handler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil {
		apperr.BadRequest(c, "unreadable body")
		return
	}
	if len(payload) > MaxPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Payload too large."})
		return
	}

	ev, err := h.intake.Receive(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "eventId": ev.ID})
	case err != nil:
		apperr.Respond(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "processed", "eventId": ev.ID})
	}
}

// ListEvents handles GET /webhooks/events?status=failed
func (h *Handler) ListEvents(c *gin.Context) {
	status := c.DefaultQuery("status", string(StatusFailed))
	if validation.Abort(c, validation.Validate(
		validation.OneOf("status", status, string(StatusPending), string(StatusProcessed), string(StatusFailed)),
	)) {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := h.intake.ListByStatus(c.Request.Context(), Status(status), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /webhooks/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.intake.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// Replay handles POST /webhooks/events/:id/replay
func (h *Handler) Replay(c *gin.Context) {
	ev, err := h.intake.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	h.logger.Info("webhook event replayed", "event_id", ev.ID, "actor", auth.Actor(c))
	c.JSON(http.StatusOK, gin.H{"event": ev})
}
