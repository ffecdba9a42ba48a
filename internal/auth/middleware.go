package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/SajModbusHub/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	subjectKey     = "subject"
	roleKey        = "role"
	permissionsKey = "permissions"
)

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// Middleware validates the bearer token and stores subject, role and
// permissions in the gin context.
func Middleware(j *JWTHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "missing authorization header", nil))
			return
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid authorization header format", nil))
			return
		}

		claims, err := j.ValidateAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid or expired token", nil))
			return
		}

		role := Role(claims.Role)
		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, role)
		c.Set(permissionsKey, role.Permissions())
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "no permissions found", nil))
			return
		}

		if !slices.Contains(perms.([]Permission), required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "insufficient permissions", gin.H{"required": required}))
			return
		}

		c.Next()
	}
}

// Subject returns the authenticated subject, empty for anonymous requests.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
