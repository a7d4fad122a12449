// Package middleware provides Gin HTTP middleware for authentication, tenant
// resolution, authorization, rate limiting, security headers and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → RateLimit → Auth → Tenant/RBAC → Handler
//
// Rate limiting runs before auth so brute-force attempts are dropped before
// any token or database work. The tenant a request operates on comes only
// from the verified token, never from a header or the URL.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/auth"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// Context keys set by AuthMiddleware and TenantMiddleware.
const (
	ClaimsKey   = "claims"
	UserIDKey   = "user_id"
	RoleKey     = "role"
	TenantIDKey = "tenant_id"
)

// AuthMiddleware validates the bearer JWT and stores its claims in the context.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// TenantMiddleware binds the request to the tenant named by the token's
// tenant_id claim. It must run after AuthMiddleware. Whether the tenant's
// namespace exists is decided later, per request, by the binder.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok || claims.TenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Token is not bound to an organization",
			})
			return
		}
		if err := tenancy.ValidateIdentifier(claims.TenantID); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Token carries an invalid organization",
			})
			return
		}

		c.Set(TenantIDKey, claims.TenantID)
		c.Next()
	}
}

// GetClaims returns the claims stored by AuthMiddleware.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// GetTenantID returns the tenant stored by TenantMiddleware.
func GetTenantID(c *gin.Context) (string, bool) {
	id := c.GetString(TenantIDKey)
	return id, id != ""
}
