package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/internal/tracing"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// testClock is a hand-cranked clock shared by the limiter and its store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *store.MemoryStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	st := store.NewMemoryStore(logger.NewNop()).WithClock(clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewLimiter(st, logger.NewNop(), opts...), st, clock
}

func TestLimiter_SlidingWindowBoundary(t *testing.T) {
	// Policy {limit=3, window=10s}: checks at t=0,1,2 allow with remaining
	// 2,1,0; t=3 blocks with retryAfter ~7s; t=11 allows again because the
	// t=0 timestamp has aged out.
	lim, _, clock := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 3, Window: 10 * time.Second, Name: "test"}

	for i, wantRemaining := range []int{2, 1, 0} {
		d := lim.Check(ctx, "t1", "k", policy)
		require.True(t, d.Allowed, "check %d must be allowed", i)
		assert.Equal(t, wantRemaining, d.Remaining, "check %d remaining", i)
		clock.Advance(time.Second)
	}

	// t=3: window holds 3 timestamps.
	d := lim.Check(ctx, "t1", "k", policy)
	require.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	require.NotNil(t, d.RetryAfter)
	assert.Equal(t, 7*time.Second, *d.RetryAfter)
	assert.Equal(t, 7*time.Second, d.ResetIn)

	// t=11: the t=0 entry has aged out of the window.
	clock.Advance(8 * time.Second)
	d = lim.Check(ctx, "t1", "k", policy)
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiter_EntryInvariantAfterSet(t *testing.T) {
	lim, st, clock := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 5, Window: 10 * time.Second, Name: "inv"}

	for i := 0; i < 20; i++ {
		lim.Check(ctx, "t1", "k", policy)
		clock.Advance(500 * time.Millisecond)
	}

	entry, err := st.Get(ctx, "t1:k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.LessOrEqual(t, len(entry.Timestamps), policy.RequestLimit)
	now := clock.Now()
	for _, ts := range entry.Timestamps {
		assert.False(t, ts.Before(now.Add(-policy.Window)), "timestamp outside window")
		assert.False(t, ts.After(now), "timestamp in the future")
	}
}

func TestLimiter_ExactlyOnePerSecondAtBoundary(t *testing.T) {
	lim, _, clock := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 1, Window: time.Second, Name: "tight"}

	require.True(t, lim.Check(ctx, "t1", "k", policy).Allowed)
	require.False(t, lim.Check(ctx, "t1", "k", policy).Allowed)

	// One nanosecond short of the boundary still blocks.
	clock.Advance(time.Second - time.Nanosecond)
	require.False(t, lim.Check(ctx, "t1", "k", policy).Allowed)

	clock.Advance(time.Nanosecond)
	require.True(t, lim.Check(ctx, "t1", "k", policy).Allowed)
}

func TestLimiter_TenantIsolation(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 2, Window: time.Minute, Name: "iso"}

	require.True(t, lim.Check(ctx, "t1", "k", policy).Allowed)
	require.True(t, lim.Check(ctx, "t1", "k", policy).Allowed)
	require.False(t, lim.Check(ctx, "t1", "k", policy).Allowed, "t1 exhausted")

	// Same id under another tenant observes its own counter.
	d := lim.Check(ctx, "t2", "k", policy)
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

// failingStore errors on everything; Get also errors so the limiter cannot
// read prior state.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.RateLimitEntry, error) {
	return nil, models.NewStoreUnavailableError("get", errors.New("backend down"))
}
func (failingStore) Set(context.Context, string, *models.RateLimitEntry) error {
	return models.NewStoreUnavailableError("set", errors.New("backend down"))
}
func (failingStore) Remove(context.Context, string) error {
	return models.NewStoreUnavailableError("remove", errors.New("backend down"))
}
func (failingStore) GetByPrefix(context.Context, string) ([]*models.RateLimitEntry, error) {
	return nil, models.NewStoreUnavailableError("get_by_prefix", errors.New("backend down"))
}
func (failingStore) CleanupExpired(context.Context) (int64, error) {
	return 0, models.NewStoreUnavailableError("cleanup", errors.New("backend down"))
}
func (failingStore) Stats(context.Context) (*store.Stats, error) {
	return nil, models.NewStoreUnavailableError("stats", errors.New("backend down"))
}
func (failingStore) HealthCheck(context.Context) error {
	return models.NewStoreUnavailableError("health_check", errors.New("backend down"))
}
func (failingStore) Close() error { return nil }

// setFailingStore fails only on Set, so reads see whatever was persisted.
type setFailingStore struct {
	*store.MemoryStore
	sets atomic.Int64
}

func (s *setFailingStore) Set(context.Context, string, *models.RateLimitEntry) error {
	s.sets.Add(1)
	return models.NewStoreUnavailableError("set", errors.New("write refused"))
}

func TestLimiter_FailOpenOnSetFailure(t *testing.T) {
	// Two sequential checks against a store that refuses writes both
	// return Allow with the fail-open annotation and persist nothing.
	mem := store.NewMemoryStore(logger.NewNop())
	st := &setFailingStore{MemoryStore: mem}
	lim := NewLimiter(st, logger.NewNop())
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 3, Window: 10 * time.Second, Name: "failopen"}

	for i := 0; i < 2; i++ {
		d := lim.Check(ctx, "t1", "k", policy)
		require.True(t, d.Allowed, "check %d fails open", i)
		assert.Equal(t, policy.RequestLimit, d.Remaining)
		assert.Equal(t, "rate_limit_check_failed", d.Metadata["error"])
		assert.True(t, d.FailedOpen())
	}
	assert.EqualValues(t, 2, st.sets.Load())

	entry, err := mem.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Nil(t, entry, "no state persisted on fail-open")
}

func TestLimiter_FailOpenOnGetFailure(t *testing.T) {
	lim := NewLimiter(failingStore{}, logger.NewNop())
	d := lim.Check(context.Background(), "t1", "k", models.RateLimitPolicy{
		RequestLimit: 5, Window: time.Minute, Name: "down",
	})
	require.True(t, d.Allowed)
	assert.True(t, d.FailedOpen())
}

func TestLimiter_FailOpenOnInvalidPolicy(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	d := lim.Check(context.Background(), "t1", "k", models.RateLimitPolicy{Name: "broken"})
	require.True(t, d.Allowed)
	assert.True(t, d.FailedOpen())
}

func TestLimiter_StatusDoesNotMutate(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 3, Window: time.Minute, Name: "status"}

	lim.Check(ctx, "t1", "k", policy)
	lim.Check(ctx, "t1", "k", policy)

	for i := 0; i < 5; i++ {
		snap := lim.Status(ctx, "t1", "k", policy)
		assert.Equal(t, 2, snap.Count)
		assert.Equal(t, 1, snap.Remaining)
	}

	// Status of an untouched key reports a full budget.
	snap := lim.Status(ctx, "t1", "other", policy)
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, policy.RequestLimit, snap.Remaining)
}

func TestLimiter_ResetRoundTrip(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 2, Window: time.Minute, Name: "reset"}

	lim.Check(ctx, "t1", "k", policy)
	lim.Check(ctx, "t1", "k", policy)
	require.False(t, lim.Check(ctx, "t1", "k", policy).Allowed)

	require.NoError(t, lim.Reset(ctx, "t1", "k"))

	snap := lim.Status(ctx, "t1", "k", policy)
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, policy.RequestLimit, snap.Remaining)
	require.True(t, lim.Check(ctx, "t1", "k", policy).Allowed)
}

func TestLimiter_ListActive(t *testing.T) {
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 5, Window: time.Minute, Name: "list"}

	lim.Check(ctx, "t1", "a", policy)
	lim.Check(ctx, "t1", "b", policy)
	lim.Check(ctx, "t2", "c", policy)

	entries, err := lim.ListActive(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLimiter_ConcurrentChecksNeverExceedLimit(t *testing.T) {
	// Invariant: with per-key locking in force, allowed count over one
	// window is exactly the limit even under parallel callers.
	lim, _, _ := newTestLimiter(t)
	ctx := context.Background()
	policy := models.RateLimitPolicy{RequestLimit: 50, Window: time.Hour, Name: "conc"}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Check(ctx, "t1", "k", policy).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, policy.RequestLimit, allowed.Load())
}

func TestLimiter_CancelledCallerGetsNoSideEffect(t *testing.T) {
	lim, st, _ := newTestLimiter(t)
	policy := models.RateLimitPolicy{RequestLimit: 5, Window: time.Minute, Name: "cancel"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := lim.Check(ctx, "t1", "k", policy)
	require.True(t, d.Allowed, "cancellation takes the fail-open path")
	assert.True(t, d.FailedOpen())

	entry, err := st.Get(context.Background(), "t1:k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestKeyLock_MutualExclusion(t *testing.T) {
	kl := newKeyLock(4)
	ctx := context.Background()

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := kl.acquire(ctx, "same-key")
			require.NoError(t, err)
			cur := inCritical.Add(1)
			if cur > maxSeen.Load() {
				maxSeen.Store(cur)
			}
			inCritical.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen.Load(), "only one holder at a time")
	assert.Zero(t, kl.size(), "idle keys are evicted")
}

func TestKeyLock_AcquireRespectsContext(t *testing.T) {
	kl := newKeyLock(4)
	ctx := context.Background()

	release, err := kl.acquire(ctx, "k")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = kl.acquire(waitCtx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, kl.size())
}

func TestKeyLock_IndependentKeysDoNotBlock(t *testing.T) {
	kl := newKeyLock(4)
	ctx := context.Background()

	releaseA, err := kl.acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := kl.acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind another key's lock")
	}
}

func TestLimiter_TracerEmitsCheckSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	limiter, _, _ := newTestLimiter(t, WithTracer(tracing.NewDecisionTracer("test")))
	policy := models.RateLimitPolicy{Name: "strict", RequestLimit: 1, Window: time.Minute}

	require.True(t, limiter.Check(context.Background(), "t1", "k", policy).Allowed)
	require.False(t, limiter.Check(context.Background(), "t1", "k", policy).Allowed)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "ratelimit_check", ended[0].Name())

	allowedByIdx := make(map[int]bool, 2)
	for i, span := range ended {
		for _, kv := range span.Attributes() {
			if kv.Key == "ratelimit.allowed" {
				allowedByIdx[i] = kv.Value.AsBool()
			}
		}
	}
	assert.True(t, allowedByIdx[0])
	assert.False(t, allowedByIdx[1])
}
