package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/mediaoffice/liveportal/internal/auth"
	"github.com/mediaoffice/liveportal/pkg/response"
)

// RequireRole lets through callers whose token role is one of roles.
// It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextUserRole); !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !allowed[UserRole(c)] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin is RequireRole(auth.RoleAdmin).
func RequireAdmin() gin.HandlerFunc {
	return RequireRole(auth.RoleAdmin)
}

// UserRole returns the authenticated caller's role, or "" on public routes.
func UserRole(c *gin.Context) string {
	return c.GetString(ContextUserRole)
}
