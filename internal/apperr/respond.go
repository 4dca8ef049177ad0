package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

// Respond writes err in the API error shape {"error": code, "message": msg}.
// Internal errors are logged as critical and their detail is withheld.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	kind := KindOf(err)
	if status == http.StatusInternalServerError {
		logging.Critical(c.Request.Context(), logging.L(c.Request.Context()), "request failed",
			"path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": string(KindInternal), "message": "Internal error"})
		return
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && e.Err == nil {
		msg = e.Msg
	}
	c.JSON(status, gin.H{"error": string(kind), "message": msg})
}

// BadRequest writes a validation error for a malformed request body.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(KindValidation), "message": msg})
}
