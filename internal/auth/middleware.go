// Package auth resolves the acting principal for a request.
//
// Authentication happens upstream: the auth proxy in front of this service
// sets X-Actor-ID after verifying the session. This package only reads it.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderActorID carries the authenticated principal.
	HeaderActorID = "X-Actor-ID"
	// ContextKeyActor is the key for storing the actor in gin context
	ContextKeyActor = "actorId"

	// Reserved principals.
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Middleware extracts the actor header, if present.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(HeaderActorID)); actor != "" {
			c.Set(ContextKeyActor, actor)
		}
		c.Next()
	}
}

// RequireActor rejects requests without an actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Actor(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests from anyone but an administrator.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor(c)
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header required.",
			})
			return
		}
		if !IsAdmin(actor) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Administrator access required.",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the actor for this request, or "".
func Actor(c *gin.Context) string {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IsAdmin reports whether actor may perform back-office operations.
func IsAdmin(actor string) bool {
	return actor == ActorAdmin || strings.HasPrefix(actor, ActorAdmin+":")
}

// IsPrivileged reports admin or the internal system principal.
func IsPrivileged(actor string) bool {
	return actor == ActorSystem || IsAdmin(actor)
}
