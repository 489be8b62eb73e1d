package middleware

import (
	"strings"

	"yochat/client/pkg/errors"
	"yochat/client/pkg/jwt"
	"yochat/client/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Context keys set by JWTAuthMiddleware.
const (
	ClaimsKey   = "claims"
	UserIDKey   = "userID"
	UsernameKey = "username"
)

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for websocket handshakes from browsers.
func BearerToken(c *gin.Context) string {
	token := c.GetHeader("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		return strings.TrimSpace(token[len("Bearer "):])
	}
	if token != "" {
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

// JWTAuthMiddleware checks that the request has a valid JWT and adds claims to the context
func JWTAuthMiddleware(jwtService *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.Error(errors.NewUnauthorizedError(errors.CodeUnauthorized, "Authorization header is required"))
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid JWT token", "error", err.Error())
			c.Error(errors.NewUnauthorizedError(errors.CodeUnauthorized, "Invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID)
		c.Set(UsernameKey, claims.Username)

		c.Next()
	}
}
