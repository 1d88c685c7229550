// Package auth guards operator endpoints of the credits API.
//
// Authentication model:
//   - Read endpoints and provider webhooks: no operator auth (webhooks carry
//     their own provider signature)
//   - Refunds and hold lifecycle actions: require the admin secret in the
//     X-Admin-Secret header
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminSecret carries the operator secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// ContextKeyActor is the key for storing the acting operator in gin context
	ContextKeyActor = "authActor"
	// HeaderActor optionally names the operator for audit metadata.
	HeaderActor = "X-Admin-Actor"
)

// AdminGuard validates the admin secret.
type AdminGuard struct {
	hash [sha256.Size]byte
	set  bool
}

// NewAdminGuard creates a guard for secret. An empty secret rejects every
// request.
func NewAdminGuard(secret string) *AdminGuard {
	g := &AdminGuard{}
	if secret != "" {
		g.hash = sha256.Sum256([]byte(secret))
		g.set = true
	}
	return g
}

// Check reports whether presented matches the configured secret.
// Both sides are hashed first so the comparison is constant time regardless
// of length.
func (g *AdminGuard) Check(presented string) bool {
	if !g.set || presented == "" {
		return false
	}
	h := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(h[:], g.hash[:]) == 1
}

// RequireAdmin rejects requests without a valid admin secret.
func RequireAdmin(g *AdminGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Check(c.GetHeader(HeaderAdminSecret)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the '" + HeaderAdminSecret + "' header.",
			})
			return
		}
		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor == "" {
			actor = "admin"
		}
		c.Set(ContextKeyActor, actor)
		c.Next()
	}
}

// Actor returns the authenticated operator name, or "" outside admin routes.
func Actor(c *gin.Context) string {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return ""
	}
	s, _ := v.(string)
	return s
}
