package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/relation-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/response"
)

const (
	UserIDKey     = "user_id"
	EmailKey      = "email"
	UsernameKey   = "username"
	RolesKey      = "roles"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// TokenValidator validates bearer tokens. *jwt.Manager satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// AuthMiddleware validates JWT access tokens issued by the auth service.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// RequireAuth returns a Gin middleware that validates JWT tokens.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		token := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		// Set user info in context
		c.Set(UserIDKey, claims.UserID)
		c.Set(EmailKey, claims.Email)
		c.Set(UsernameKey, claims.Username)
		c.Set(RolesKey, claims.Roles)

		c.Next()
	}
}

// RequireRole must run after RequireAuth; it rejects callers lacking role.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, r := range GetRoles(c) {
			if r == role {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "insufficient role")
		c.Abort()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		return id.(string)
	}
	return ""
}

// GetUsername extracts username from Gin context.
func GetUsername(c *gin.Context) string {
	if username, exists := c.Get(UsernameKey); exists {
		return username.(string)
	}
	return ""
}

// GetRoles extracts roles from Gin context.
func GetRoles(c *gin.Context) []string {
	if roles, exists := c.Get(RolesKey); exists {
		return roles.([]string)
	}
	return nil
}
