package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"codecanvas/internal/models"
)

const userContextKey = "auth_user"

// Middleware validates bearer tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		user, err := s.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext retrieves the authenticated user from the gin context.
func UserFromContext(c *gin.Context) (models.CollabUser, bool) {
	val, ok := c.Get(userContextKey)
	if !ok {
		return models.CollabUser{}, false
	}
	user, ok := val.(models.CollabUser)
	return user, ok
}

// extractToken checks the Authorization header first, then the token query
// parameter. Browsers cannot set headers on websocket upgrades, so the
// collab socket authenticates through the query parameter.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return c.Query("token")
}
