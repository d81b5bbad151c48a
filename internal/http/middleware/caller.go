package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	UserIDHeader   = "X-User-Id"
	UserRoleHeader = "X-User-Role"

	CallerIDKey   = "caller_id"
	CallerRoleKey = "caller_role"
)

const (
	RoleOperator = "operator"
	RoleSystem   = "system"
	RoleMechanic = "mechanic"
	RoleCustomer = "customer"
)

// Caller copies the identity asserted by the gateway into the context.
func Caller() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(CallerIDKey, strings.TrimSpace(c.GetHeader(UserIDHeader)))
		c.Set(CallerRoleKey, strings.ToLower(strings.TrimSpace(c.GetHeader(UserRoleHeader))))
		c.Next()
	}
}

// RequireRole rejects callers without an identity or with a role outside roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetString(CallerIDKey)
		role := c.GetString(CallerRoleKey)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "Caller identity required",
				},
			})
			return
		}
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": gin.H{
				"code":    "NOT_AUTHORIZED",
				"message": "Role " + role + " may not call this endpoint",
			},
		})
	}
}
