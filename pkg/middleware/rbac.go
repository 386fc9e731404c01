package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"clinic-chat/backend/pkg/errors"
	"clinic-chat/backend/pkg/jwt"
	"clinic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Context keys set by JWTAuthMiddleware
const (
	ClaimsKey   = "claims"
	UserIDKey   = "userID"
	UserRoleKey = "userRole"
)

// JWTAuthMiddleware checks that the request has a valid JWT and adds claims to the context
func JWTAuthMiddleware(jwtService *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.Error(errors.NewUnauthorized("Authorization header is required"))
			c.Abort()
			return
		}

		token = strings.TrimPrefix(token, "Bearer ")

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid JWT token", "error", err.Error())
			c.Error(errors.NewError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token"))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID)
		c.Set(UserRoleKey, string(claims.Role))

		c.Next()
	}
}

// RequireRole returns a middleware that requires the user to have one of the given roles
func RequireRole(roles ...jwt.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			c.Error(errors.NewUnauthorized("Authentication required"))
			c.Abort()
			return
		}

		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		c.Error(errors.NewForbidden("Your role does not allow this operation"))
		c.Abort()
	}
}

// RequireServiceKey guards internal endpoints called by other clinic services
func RequireServiceKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Service-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.Error(errors.NewUnauthorized("A valid service key is required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// Claims returns the JWT claims stored by JWTAuthMiddleware
func Claims(c *gin.Context) (*jwt.JWTClaims, bool) {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.JWTClaims)
	return claims, ok
}
