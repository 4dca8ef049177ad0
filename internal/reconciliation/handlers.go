package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
}

func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/reconciliation", auth.RequireAdmin())
	g.GET("", h.Last)
	g.POST("/run", h.Run)
}

// Last handles GET /admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "healthy": rep.Healthy()})
}

// Run handles POST /admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "healthy": rep.Healthy()})
}
