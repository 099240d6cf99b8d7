package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/MachineTending/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
)

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
				"AUTH_401", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
				"AUTH_401", "invalid authorization header format", nil))
			return
		}

		if claims, err := a.validateJWT(token); err == nil {
			c.Set(permissionsKey, roleToPermissions(claims.Role))
			c.Set(usernameKey, claims.Username)
			c.Next()
			return
		}

		// Fall back to machine token
		permissions, err := a.ValidateMachineToken(token)
		if err != nil {
			a.logAuthEvent("token_rejected", "", c.ClientIP(), err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse(
				"AUTH_401", "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(usernameKey, "machine-token")
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(Permissions(c), required) {
			c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
				"AUTH_403", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}
		c.Next()
	}
}

// Permissions extracts permissions from the request context
func Permissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}

// Username returns the authenticated principal, if any.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
