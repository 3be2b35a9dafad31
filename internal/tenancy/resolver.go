// Package tenancy resolves which tenant a request acts on. Resolution is
// strictly ordered: an explicit context value set by upstream middleware,
// the X-Tenant-Id header, the tenantId query parameter, the tenant_id
// claim of the bearer token, the host subdomain, then the default tenant.
// The bearer token is read without signature verification; authentication
// happens upstream and this layer only routes.
package tenancy

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platformbuilds/acs-core/internal/models"
)

// DefaultTenant is the terminal fallback.
const DefaultTenant = "default"

const (
	headerTenant = "X-Tenant-Id"
	queryTenant  = "tenantId"
	claimTenant  = "tenant_id"
)

type contextKey struct{}

// WithTenant pins the tenant on the context, trumping every other source.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext returns the pinned tenant, if any.
func FromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(contextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// Resolver extracts tenant ids from requests.
type Resolver struct {
	defaultTenant string
	parser        *jwt.Parser
}

// NewResolver builds a resolver falling back to defaultTenant (or
// DefaultTenant when empty).
func NewResolver(defaultTenant string) *Resolver {
	if defaultTenant == "" {
		defaultTenant = DefaultTenant
	}
	return &Resolver{
		defaultTenant: defaultTenant,
		parser:        jwt.NewParser(),
	}
}

// Resolve walks the source priority order and returns the first tenant id
// that passes validation. It never fails; unusable candidates are skipped
// and the default tenant is the terminal answer.
func (r *Resolver) Resolve(req *http.Request) string {
	if tenantID, ok := FromContext(req.Context()); ok && valid(tenantID) {
		return tenantID
	}
	if tenantID := req.Header.Get(headerTenant); valid(tenantID) {
		return tenantID
	}
	if tenantID := req.URL.Query().Get(queryTenant); valid(tenantID) {
		return tenantID
	}
	if tenantID := r.fromBearerToken(req); valid(tenantID) {
		return tenantID
	}
	if tenantID := fromSubdomain(req.Host); valid(tenantID) {
		return tenantID
	}
	return r.defaultTenant
}

// fromBearerToken pulls the tenant_id claim out of the Authorization
// header. The token was already verified upstream, so the claims are read
// without checking the signature.
func (r *Resolver) fromBearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(auth[len(prefix):], claims); err != nil {
		return ""
	}
	tenantID, _ := claims[claimTenant].(string)
	return tenantID
}

// fromSubdomain treats the leftmost host label as the tenant when the
// host has at least three labels ("acme.acs.example.com" → "acme").
func fromSubdomain(host string) string {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	sub := labels[0]
	if sub == "www" || sub == "api" {
		return ""
	}
	return sub
}

func valid(tenantID string) bool {
	return tenantID != "" && models.ValidateTenantID(tenantID) == nil
}
