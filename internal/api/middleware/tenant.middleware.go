// Package middleware carries the gin middleware for the embedding HTTP
// surface: tenant resolution and rate limiting.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/acs-core/internal/tenancy"
)

// Gin context keys populated by the middleware chain.
const (
	ContextTenantKey = "tenant_id"
	ContextUserKey   = "user_id"
)

// Tenant resolves the request's tenant and pins it on both the gin
// context and the request context, so handlers and downstream services
// agree on the answer.
func Tenant(resolver *tenancy.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := resolver.Resolve(c.Request)
		c.Set(ContextTenantKey, tenantID)
		c.Request = c.Request.WithContext(tenancy.WithTenant(c.Request.Context(), tenantID))
		c.Next()
	}
}
