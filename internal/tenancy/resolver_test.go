package tenancy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bearerWith(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("upstream-secret"))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestResolve_PriorityOrder(t *testing.T) {
	r := NewResolver("")

	req := httptest.NewRequest(http.MethodGet, "http://acme.acs.example.com/api?tenantId=fromquery", nil)
	req.Header.Set("X-Tenant-Id", "fromheader")
	req.Header.Set("Authorization", bearerWith(t, jwt.MapClaims{"tenant_id": "fromclaim"}))

	// Context beats everything.
	pinned := req.WithContext(WithTenant(req.Context(), "pinned"))
	assert.Equal(t, "pinned", r.Resolve(pinned))

	// Then header, query, claim, subdomain.
	assert.Equal(t, "fromheader", r.Resolve(req))

	req.Header.Del("X-Tenant-Id")
	assert.Equal(t, "fromquery", r.Resolve(req))

	req.URL.RawQuery = ""
	assert.Equal(t, "fromclaim", r.Resolve(req))

	req.Header.Del("Authorization")
	assert.Equal(t, "acme", r.Resolve(req))
}

func TestResolve_DefaultFallback(t *testing.T) {
	r := NewResolver("")

	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api", nil)
	assert.Equal(t, DefaultTenant, r.Resolve(req))

	custom := NewResolver("homebase")
	assert.Equal(t, "homebase", custom.Resolve(req))
}

func TestResolve_SkipsInvalidCandidates(t *testing.T) {
	r := NewResolver("")

	req := httptest.NewRequest(http.MethodGet, "http://localhost/api", nil)
	req.Header.Set("X-Tenant-Id", "has space")
	req.URL.RawQuery = "tenantId=fromquery"

	// The malformed header is skipped, not rejected.
	assert.Equal(t, "fromquery", r.Resolve(req))
}

func TestResolve_MalformedBearerToken(t *testing.T) {
	r := NewResolver("")

	req := httptest.NewRequest(http.MethodGet, "http://localhost/api", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	assert.Equal(t, DefaultTenant, r.Resolve(req))
}

func TestResolve_ClaimWithoutTenant(t *testing.T) {
	r := NewResolver("")

	req := httptest.NewRequest(http.MethodGet, "http://localhost/api", nil)
	req.Header.Set("Authorization", bearerWith(t, jwt.MapClaims{"sub": "alice"}))
	assert.Equal(t, DefaultTenant, r.Resolve(req))
}

func TestResolve_SubdomainRules(t *testing.T) {
	r := NewResolver("")

	for host, want := range map[string]string{
		"acme.acs.example.com":      "acme",
		"acme.acs.example.com:8443": "acme",
		"www.example.com":           DefaultTenant, // www never names a tenant
		"api.example.com":           DefaultTenant,
		"example.com":               DefaultTenant, // too few labels
		"localhost":                 DefaultTenant,
	} {
		req := httptest.NewRequest(http.MethodGet, "http://"+host+"/api", nil)
		req.Host = host
		assert.Equal(t, want, r.Resolve(req), "host %s", host)
	}
}

func TestFromContext(t *testing.T) {
	_, ok := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithTenant(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "acme")
	tenantID, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", tenantID)
}
