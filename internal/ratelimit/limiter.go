// Package ratelimit implements the sliding-window rate limiter. Checks are
// serialized per composite "{tenant}:{id}" key, read through a short-lived
// local cache, written through to the configured store, and fail open on
// any store or codec error.
package ratelimit

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/internal/tracing"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

const (
	// failOpenReason annotates decisions produced by the fail-open path.
	failOpenReason = "rate_limit_check_failed"

	// maxCacheTTL bounds how stale the local snapshot cache may go.
	maxCacheTTL = 30 * time.Second

	defaultCacheTTL  = 5 * time.Second
	defaultCacheSize = 4096
	defaultShards    = 32
)

// auditRecorder is the slice of the audit sink the limiter needs. Blocked
// checks and fail-opens are worth a trail; allowed checks are metric-only.
type auditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Limiter applies sliding-window policies on top of a Store.
type Limiter struct {
	store  store.Store
	locks  *keyLock
	cache  *expirable.LRU[string, *models.RateLimitEntry]
	logger logger.Logger
	audit  auditRecorder
	tracer *tracing.DecisionTracer
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*limiterOptions)

type limiterOptions struct {
	cacheTTL  time.Duration
	cacheSize int
	shards    int
	audit     auditRecorder
	tracer    *tracing.DecisionTracer
	now       func() time.Time
}

// WithCacheTTL sets the local snapshot cache TTL, capped at 30 s.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *limiterOptions) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithCacheSize sets the local snapshot cache capacity.
func WithCacheSize(n int) Option {
	return func(o *limiterOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithShards sets the keyed-mutex shard count.
func WithShards(n int) Option {
	return func(o *limiterOptions) { o.shards = n }
}

// WithAuditSink wires an audit recorder for blocked and fail-open checks.
func WithAuditSink(sink auditRecorder) Option {
	return func(o *limiterOptions) { o.audit = sink }
}

// WithTracer wires check spans around every admission decision.
func WithTracer(tracer *tracing.DecisionTracer) Option {
	return func(o *limiterOptions) { o.tracer = tracer }
}

// WithClock overrides the limiter clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *limiterOptions) { o.now = now }
}

// NewLimiter builds a limiter over the given store.
func NewLimiter(st store.Store, log logger.Logger, opts ...Option) *Limiter {
	o := &limiterOptions{
		cacheTTL:  defaultCacheTTL,
		cacheSize: defaultCacheSize,
		shards:    defaultShards,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cacheTTL > maxCacheTTL {
		o.cacheTTL = maxCacheTTL
	}

	return &Limiter{
		store:  st,
		locks:  newKeyLock(o.shards),
		cache:  expirable.NewLRU[string, *models.RateLimitEntry](o.cacheSize, nil, o.cacheTTL),
		logger: log,
		audit:  o.audit,
		tracer: o.tracer,
		now:    o.now,
	}
}

// Check admits or blocks one request against the policy. It never returns
// nil and never fails loudly: store errors produce an allowed decision
// annotated with Metadata["error"].
func (l *Limiter) Check(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy) *models.RateLimitDecision {
	if l.tracer == nil {
		return l.check(ctx, tenantID, id, policy)
	}

	ctx, span := l.tracer.StartCheckSpan(ctx, tenantID, id, policy.Name)
	defer span.End()

	decision := l.check(ctx, tenantID, id, policy)
	l.tracer.RecordCheck(span, decision.Allowed, decision.Metadata["error"] == failOpenReason, decision.Remaining)
	return decision
}

func (l *Limiter) check(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy) *models.RateLimitDecision {
	start := l.now()
	defer func() {
		monitoring.RecordRateLimitCheckDuration(tenantID, policy.Name, l.now().Sub(start))
	}()

	if err := policy.Validate(); err != nil {
		l.logger.Error("rate-limit check received invalid policy",
			"tenant_id", tenantID, "policy", policy.Name, "error", err)
		return l.failOpen(ctx, tenantID, id, policy, err)
	}

	key := models.RateLimitKey(tenantID, id)

	release, err := l.locks.acquire(ctx, key)
	if err != nil {
		// Caller abandoned; no state was touched.
		return l.failOpen(ctx, tenantID, id, policy, err)
	}
	defer release()

	entry, err := l.load(ctx, key)
	if err != nil {
		return l.failOpen(ctx, tenantID, id, policy, err)
	}
	if entry == nil {
		entry = &models.RateLimitEntry{Key: key}
	}

	now := l.now()
	windowStart := now.Add(-policy.Window)
	entry.TrimBefore(windowStart)

	decision := &models.RateLimitDecision{
		Limit:  policy.RequestLimit,
		Policy: policy.Name,
	}

	if len(entry.Timestamps) < policy.RequestLimit {
		entry.Timestamps = append(entry.Timestamps, now)
		entry.LastUpdated = now
		entry.ExpiresAt = now.Add(2 * policy.Window)

		// Write-through before the cache so a cached snapshot never
		// reflects a write the store rejected.
		if err := l.store.Set(ctx, key, entry); err != nil {
			l.cache.Remove(key)
			return l.failOpen(ctx, tenantID, id, policy, err)
		}
		l.cache.Add(key, entry.Clone())

		decision.Allowed = true
		decision.Remaining = policy.RequestLimit - len(entry.Timestamps)
		decision.ResetIn = entry.Timestamps[0].Add(policy.Window).Sub(now)
	} else {
		retryAfter := entry.Timestamps[0].Add(policy.Window).Sub(now)
		decision.Allowed = false
		decision.Remaining = 0
		decision.ResetIn = retryAfter
		decision.RetryAfter = &retryAfter
		l.recordBlocked(ctx, tenantID, id, policy, retryAfter)
	}

	monitoring.RecordRateLimitDecision(tenantID, policy.Name, decision.Allowed, false)
	monitoring.RecordRateLimitRemaining(tenantID, policy.Name, decision.Remaining)
	return decision
}

// Status computes the current window cut without mutating any state.
func (l *Limiter) Status(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy) *models.RateLimitSnapshot {
	key := models.RateLimitKey(tenantID, id)
	snapshot := &models.RateLimitSnapshot{
		Key:       key,
		Limit:     policy.RequestLimit,
		Remaining: policy.RequestLimit,
		Policy:    policy.Name,
	}

	entry, err := l.load(ctx, key)
	if err != nil {
		l.logger.Warn("rate-limit status read failed; reporting empty window",
			"key", key, "error", err)
		return snapshot
	}
	if entry == nil {
		return snapshot
	}

	now := l.now()
	entry.TrimBefore(now.Add(-policy.Window))

	snapshot.Count = len(entry.Timestamps)
	snapshot.Remaining = policy.RequestLimit - snapshot.Count
	if snapshot.Remaining < 0 {
		snapshot.Remaining = 0
	}
	if len(entry.Timestamps) > 0 {
		snapshot.ResetIn = entry.Timestamps[0].Add(policy.Window).Sub(now)
	}
	return snapshot
}

// Reset clears all window state for the key.
func (l *Limiter) Reset(ctx context.Context, tenantID, id string) error {
	key := models.RateLimitKey(tenantID, id)

	release, err := l.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	l.cache.Remove(key)
	if err := l.store.Remove(ctx, key); err != nil {
		return err
	}
	monitoring.RecordRateLimitReset(tenantID)
	return nil
}

// ListActive returns the live entries for one tenant.
func (l *Limiter) ListActive(ctx context.Context, tenantID string) ([]*models.RateLimitEntry, error) {
	return l.store.GetByPrefix(ctx, tenantID+":")
}

// load reads the entry through the local cache. Cache hits are cloned so
// the cached copy is never mutated in place.
func (l *Limiter) load(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	if cached, ok := l.cache.Get(key); ok {
		if !cached.IsExpired(l.now()) {
			return cached.Clone(), nil
		}
		l.cache.Remove(key)
	}
	return l.store.Get(ctx, key)
}

// failOpen produces the allow-with-annotation decision used for internal
// failures, and leaves a warning behind for operators.
func (l *Limiter) failOpen(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy, cause error) *models.RateLimitDecision {
	l.logger.Warn("rate-limit check failed open",
		"tenant_id", tenantID, "id", id, "policy", policy.Name, "error", cause)
	monitoring.RecordRateLimitDecision(tenantID, policy.Name, true, true)

	if l.audit != nil {
		_ = l.audit.Record(ctx, &models.AuditEvent{
			TenantID:   tenantID,
			When:       l.now(),
			Actor:      "ratelimiter",
			Category:   models.AuditSecurityAnomaly,
			EntityType: "ratelimit",
			EntityID:   id,
			Severity:   models.AuditSeverityWarning,
			Details: map[string]interface{}{
				"policy": policy.Name,
				"error":  cause.Error(),
			},
		})
	}

	return &models.RateLimitDecision{
		Allowed:   true,
		Limit:     policy.RequestLimit,
		Remaining: policy.RequestLimit,
		Policy:    policy.Name,
		Metadata:  map[string]string{"error": failOpenReason},
	}
}

func (l *Limiter) recordBlocked(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy, retryAfter time.Duration) {
	if l.audit == nil {
		return
	}
	_ = l.audit.Record(ctx, &models.AuditEvent{
		TenantID:   tenantID,
		When:       l.now(),
		Actor:      "ratelimiter",
		Category:   models.AuditAuthDecision,
		EntityType: "ratelimit",
		EntityID:   id,
		Severity:   models.AuditSeverityInfo,
		Details: map[string]interface{}{
			"policy":      policy.Name,
			"blocked":     true,
			"retry_after": retryAfter.String(),
		},
	})
}
