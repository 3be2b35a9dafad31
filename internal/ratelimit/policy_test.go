package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/acs-core/internal/models"
)

func testResolver() *PolicyResolver {
	return NewPolicyResolver(ResolverConfig{
		Enabled:       true,
		DefaultPolicy: models.RateLimitPolicy{RequestLimit: 100, Window: time.Minute, Name: "default"},
		TenantPolicies: map[string]models.RateLimitPolicy{
			"premium": {RequestLimit: 1000, Window: time.Minute, Name: "premium"},
		},
		EndpointPolicies: []EndpointPolicy{
			{
				PathPrefix: "/api/v1/admin",
				Methods:    []string{"POST", "DELETE"},
				Policy:     models.RateLimitPolicy{RequestLimit: 10, Window: time.Minute, Name: "admin-writes"},
			},
			{
				PathPrefix: "/api/v1",
				Policy:     models.RateLimitPolicy{RequestLimit: 50, Window: time.Minute, Name: "api"},
			},
		},
		ExcludePaths: []string{"/health", "/metrics"},
	})
}

func TestPolicyResolver_Order(t *testing.T) {
	r := testResolver()

	// Endpoint policies win over tenant policies, first match in order.
	policy, limited := r.Resolve("premium", "POST", "/api/v1/admin/users")
	require.True(t, limited)
	assert.Equal(t, "admin-writes", policy.Name)

	// Method mismatch falls through to the next prefix.
	policy, limited = r.Resolve("premium", "GET", "/api/v1/admin/users")
	require.True(t, limited)
	assert.Equal(t, "api", policy.Name)

	// Tenant override applies off the endpoint table.
	policy, limited = r.Resolve("premium", "GET", "/other")
	require.True(t, limited)
	assert.Equal(t, "premium", policy.Name)

	// Everyone else gets the default.
	policy, limited = r.Resolve("t1", "GET", "/other")
	require.True(t, limited)
	assert.Equal(t, "default", policy.Name)
}

func TestPolicyResolver_ExcludedAndDisabled(t *testing.T) {
	r := testResolver()

	_, limited := r.Resolve("t1", "GET", "/health")
	assert.False(t, limited)
	_, limited = r.Resolve("t1", "GET", "/metrics")
	assert.False(t, limited)

	disabled := NewPolicyResolver(ResolverConfig{Enabled: false})
	_, limited = disabled.Resolve("t1", "GET", "/api/v1/x")
	assert.False(t, limited)
}

func TestKeyStrategy_Key(t *testing.T) {
	sub := KeySubject{IP: "10.0.0.9", UserID: "u42", Endpoint: "/api/v1/docs", APIKey: "ak-1"}

	assert.Equal(t, "ip:10.0.0.9", KeyByIP.Key(sub))
	assert.Equal(t, "user:u42", KeyByUser.Key(sub))
	assert.Equal(t, "user:u42:/api/v1/docs", KeyByUserEndpoint.Key(sub))
	assert.Equal(t, "apikey:ak-1", KeyByAPIKey.Key(sub))
	assert.Equal(t, "ip:10.0.0.9:user:u42:/api/v1/docs", KeyCombined.Key(sub))

	// Strategies that cannot resolve fall back to the client IP.
	anon := KeySubject{IP: "10.0.0.9"}
	assert.Equal(t, "ip:10.0.0.9", KeyByUser.Key(anon))
	assert.Equal(t, "ip:10.0.0.9", KeyByAPIKey.Key(anon))
	assert.Equal(t, "ip:10.0.0.9:user:anonymous:", KeyCombined.Key(anon))
}
