// auth.go guards the admin surface with bearer-token JWT authentication.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tenantcore/tenantcore/internal/auth"
)

const (
	// UserIDKey is the gin.Context key for the authenticated user's ID.
	UserIDKey = "user_id"
	// UserEmailKey is the gin.Context key for the authenticated user's email.
	UserEmailKey = "user_email"
)

// RequireAuth rejects requests without a valid bearer JWT. On success the
// claims are stored in the context for handlers and the audit middleware.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserEmailKey, claims.Email)
		c.Next()
	}
}
