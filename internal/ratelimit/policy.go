package ratelimit

import (
	"strings"

	"github.com/platformbuilds/acs-core/internal/models"
)

// KeyStrategy selects what identifies a caller for rate-limiting purposes.
type KeyStrategy string

const (
	KeyByIP           KeyStrategy = "ip"
	KeyByUser         KeyStrategy = "user"
	KeyByUserEndpoint KeyStrategy = "user_endpoint"
	KeyByAPIKey       KeyStrategy = "api_key"
	KeyCombined       KeyStrategy = "combined"
)

// KeySubject carries the request attributes a strategy may draw from.
type KeySubject struct {
	IP       string
	UserID   string
	Endpoint string
	APIKey   string
}

// Key derives the per-tenant limiter id for the subject. Unresolvable
// strategies fall back to the client IP so an unauthenticated burst still
// lands on one counter.
func (s KeyStrategy) Key(sub KeySubject) string {
	switch s {
	case KeyByUser:
		if sub.UserID != "" {
			return "user:" + sub.UserID
		}
	case KeyByUserEndpoint:
		if sub.UserID != "" {
			return "user:" + sub.UserID + ":" + sub.Endpoint
		}
	case KeyByAPIKey:
		if sub.APIKey != "" {
			return "apikey:" + sub.APIKey
		}
	case KeyCombined:
		user := sub.UserID
		if user == "" {
			user = "anonymous"
		}
		return "ip:" + sub.IP + ":user:" + user + ":" + sub.Endpoint
	}
	return "ip:" + sub.IP
}

// EndpointPolicy binds a policy to a path prefix and optional method set.
type EndpointPolicy struct {
	PathPrefix string
	Methods    []string // empty means all methods
	Policy     models.RateLimitPolicy
}

func (p EndpointPolicy) matches(method, path string) bool {
	if !strings.HasPrefix(path, p.PathPrefix) {
		return false
	}
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// PolicyResolver maps a request onto the policy that governs it. Lookup
// order: exclude list, endpoint policies (first match wins, list order
// preserved), per-tenant override, default policy.
type PolicyResolver struct {
	enabled          bool
	defaultPolicy    models.RateLimitPolicy
	tenantPolicies   map[string]models.RateLimitPolicy
	endpointPolicies []EndpointPolicy
	excludePaths     []string
}

// ResolverConfig is the assembled policy table, typically produced from
// the ratelimit section of the configuration.
type ResolverConfig struct {
	Enabled          bool
	DefaultPolicy    models.RateLimitPolicy
	TenantPolicies   map[string]models.RateLimitPolicy
	EndpointPolicies []EndpointPolicy
	ExcludePaths     []string
}

func NewPolicyResolver(cfg ResolverConfig) *PolicyResolver {
	tenants := make(map[string]models.RateLimitPolicy, len(cfg.TenantPolicies))
	for tenant, policy := range cfg.TenantPolicies {
		tenants[tenant] = policy
	}
	return &PolicyResolver{
		enabled:          cfg.Enabled,
		defaultPolicy:    cfg.DefaultPolicy,
		tenantPolicies:   tenants,
		endpointPolicies: append([]EndpointPolicy(nil), cfg.EndpointPolicies...),
		excludePaths:     append([]string(nil), cfg.ExcludePaths...),
	}
}

// Resolve returns the policy for the request and whether limiting applies
// at all. The second return is false when limiting is disabled or the path
// is excluded.
func (r *PolicyResolver) Resolve(tenantID, method, path string) (models.RateLimitPolicy, bool) {
	if !r.enabled || r.excluded(path) {
		return models.RateLimitPolicy{}, false
	}
	for _, ep := range r.endpointPolicies {
		if ep.matches(method, path) {
			return ep.Policy, true
		}
	}
	if policy, ok := r.tenantPolicies[tenantID]; ok {
		return policy, true
	}
	return r.defaultPolicy, true
}

func (r *PolicyResolver) excluded(path string) bool {
	for _, prefix := range r.excludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
