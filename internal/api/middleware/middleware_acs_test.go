package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/ratelimit"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/internal/tenancy"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T, rlm *RateLimiter) *gin.Engine {
	t.Helper()
	router := gin.New()
	router.Use(Tenant(tenancy.NewResolver("")))
	if rlm != nil {
		router.Use(rlm.Handler())
	}
	router.GET("/api/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": c.GetString(ContextTenantKey)})
	})
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func newRateLimiter(policy models.RateLimitPolicy, exclude []string, observe func(bool, bool)) *RateLimiter {
	limiter := ratelimit.NewLimiter(store.NewMemoryStore(logger.NewNop()), logger.NewNop())
	resolver := ratelimit.NewPolicyResolver(ratelimit.ResolverConfig{
		Enabled:       true,
		DefaultPolicy: policy,
		ExcludePaths:  exclude,
	})
	return NewRateLimiter(limiter, resolver, ratelimit.KeyByIP, observe)
}

func get(router *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTenantMiddleware_SetsContext(t *testing.T) {
	router := testRouter(t, nil)

	rec := get(router, "/api/items", map[string]string{"X-Tenant-Id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant":"acme"`)

	rec = get(router, "/api/items", nil)
	assert.Contains(t, rec.Body.String(), `"tenant":"default"`)
}

func TestRateLimit_HeadersAndBlock(t *testing.T) {
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 2, Window: 10 * time.Second}
	router := testRouter(t, newRateLimiter(policy, nil, nil))

	first := get(router, "/api/items", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "strict", first.Header().Get("X-RateLimit-Policy"))

	second := get(router, "/api/items", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	blocked := get(router, "/api/items", nil)
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "0", blocked.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))
	assert.Contains(t, blocked.Body.String(), "rate limit exceeded")
}

func TestRateLimit_TenantsCountSeparately(t *testing.T) {
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: 10 * time.Second}
	router := testRouter(t, newRateLimiter(policy, nil, nil))

	require.Equal(t, http.StatusOK, get(router, "/api/items", map[string]string{"X-Tenant-Id": "t1"}).Code)
	require.Equal(t, http.StatusTooManyRequests, get(router, "/api/items", map[string]string{"X-Tenant-Id": "t1"}).Code)

	// A different tenant still has budget.
	assert.Equal(t, http.StatusOK, get(router, "/api/items", map[string]string{"X-Tenant-Id": "t2"}).Code)
}

func TestRateLimit_ExcludedPathSkipsCheck(t *testing.T) {
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: 10 * time.Second}
	router := testRouter(t, newRateLimiter(policy, []string{"/health"}, nil))

	for i := 0; i < 5; i++ {
		rec := get(router, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_ObserverSeesDecisions(t *testing.T) {
	var allowed, blocked int
	observe := func(ok, failedOpen bool) {
		if ok {
			allowed++
		} else {
			blocked++
		}
	}
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: 10 * time.Second}
	router := testRouter(t, newRateLimiter(policy, nil, observe))

	get(router, "/api/items", nil)
	get(router, "/api/items", nil)

	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, blocked)
}

func TestRateLimit_UpdateSwapsPolicyTable(t *testing.T) {
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: 10 * time.Second}
	rlm := newRateLimiter(policy, nil, nil)
	router := testRouter(t, rlm)

	require.Equal(t, http.StatusOK, get(router, "/api/items", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, get(router, "/api/items", nil).Code)

	// Simulated config reload: limiting disabled.
	rlm.Update(ratelimit.NewPolicyResolver(ratelimit.ResolverConfig{Enabled: false}), ratelimit.KeyByIP)
	assert.Equal(t, http.StatusOK, get(router, "/api/items", nil).Code)
}

func TestRateLimit_FailOpenOnBrokenStore(t *testing.T) {
	var failedOpen bool
	limiter := ratelimit.NewLimiter(brokenStore{}, logger.NewNop())
	resolver := ratelimit.NewPolicyResolver(ratelimit.ResolverConfig{
		Enabled:       true,
		DefaultPolicy: models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: time.Second},
	})
	rlm := NewRateLimiter(limiter, resolver, ratelimit.KeyByIP, func(ok, fo bool) { failedOpen = fo })
	router := testRouter(t, rlm)

	for i := 0; i < 3; i++ {
		rec := get(router, "/api/items", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, failedOpen)
}

// brokenStore fails every operation, driving the limiter's fail-open path.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	return nil, models.NewStoreUnavailableError("get", context.DeadlineExceeded)
}
func (brokenStore) Set(ctx context.Context, key string, entry *models.RateLimitEntry) error {
	return models.NewStoreUnavailableError("set", context.DeadlineExceeded)
}
func (brokenStore) Remove(ctx context.Context, key string) error {
	return models.NewStoreUnavailableError("remove", context.DeadlineExceeded)
}
func (brokenStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error) {
	return nil, models.NewStoreUnavailableError("scan", context.DeadlineExceeded)
}
func (brokenStore) CleanupExpired(ctx context.Context) (int64, error) {
	return 0, models.NewStoreUnavailableError("cleanup", context.DeadlineExceeded)
}
func (brokenStore) Stats(ctx context.Context) (*store.Stats, error) {
	return nil, models.NewStoreUnavailableError("stats", context.DeadlineExceeded)
}
func (brokenStore) HealthCheck(ctx context.Context) error {
	return models.NewStoreUnavailableError("ping", context.DeadlineExceeded)
}
func (brokenStore) Close() error { return nil }
