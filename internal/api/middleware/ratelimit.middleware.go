package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/ratelimit"
	"github.com/platformbuilds/acs-core/internal/tenancy"
)

const headerAPIKey = "X-API-Key"

// rateLimitTable is the hot-swappable part of the middleware: the policy
// resolver and key strategy are replaced together when the config
// reloads.
type rateLimitTable struct {
	resolver *ratelimit.PolicyResolver
	strategy ratelimit.KeyStrategy
}

// RateLimiter applies sliding-window limits per resolved policy and
// writes the X-RateLimit-* headers. In-flight requests always see a
// consistent resolver/strategy pair.
type RateLimiter struct {
	limiter *ratelimit.Limiter
	table   atomic.Pointer[rateLimitTable]
	observe func(allowed, failedOpen bool)
}

// NewRateLimiter builds the middleware. observe may be nil; when set it
// feeds the monitor's block-rate window.
func NewRateLimiter(limiter *ratelimit.Limiter, resolver *ratelimit.PolicyResolver, strategy ratelimit.KeyStrategy, observe func(allowed, failedOpen bool)) *RateLimiter {
	m := &RateLimiter{
		limiter: limiter,
		observe: observe,
	}
	m.table.Store(&rateLimitTable{resolver: resolver, strategy: strategy})
	return m
}

// Update swaps the policy table, typically from a config-reload callback.
func (m *RateLimiter) Update(resolver *ratelimit.PolicyResolver, strategy ratelimit.KeyStrategy) {
	m.table.Store(&rateLimitTable{resolver: resolver, strategy: strategy})
}

// Handler returns the gin middleware.
func (m *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		table := m.table.Load()

		tenantID := c.GetString(ContextTenantKey)
		if tenantID == "" {
			tenantID = tenancy.DefaultTenant
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		policy, apply := table.resolver.Resolve(tenantID, c.Request.Method, path)
		if !apply {
			c.Next()
			return
		}

		id := table.strategy.Key(ratelimit.KeySubject{
			IP:       c.ClientIP(),
			UserID:   c.GetString(ContextUserKey),
			Endpoint: c.Request.Method + " " + path,
			APIKey:   c.GetHeader(headerAPIKey),
		})

		decision := m.limiter.Check(c.Request.Context(), tenantID, id, policy)
		if m.observe != nil {
			m.observe(decision.Allowed, decision.FailedOpen())
		}
		writeRateLimitHeaders(c, decision)

		if !decision.Allowed {
			retryAfter := time.Duration(0)
			if decision.RetryAfter != nil {
				retryAfter = *decision.RetryAfter
			}
			c.Header("Retry-After", strconv.FormatInt(ceilSeconds(retryAfter), 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"status":      "error",
				"error":       "rate limit exceeded",
				"policy":      decision.Policy,
				"retry_after": ceilSeconds(retryAfter),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, decision *models.RateLimitDecision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(decision.ResetIn), 10))
	if decision.Policy != "" {
		c.Header("X-RateLimit-Policy", decision.Policy)
	}
}

// ceilSeconds rounds a duration up to whole seconds so a client that
// waits the advertised time is never early.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
