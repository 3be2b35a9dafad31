package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

func entryAt(key string, now time.Time, ttl time.Duration, stamps ...time.Time) *models.RateLimitEntry {
	return &models.RateLimitEntry{
		Key:         key,
		Timestamps:  stamps,
		LastUpdated: now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestMemoryStore_GetSetRemove(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	got, err := s.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Nil(t, got, "absent key reads as nil, not an error")

	require.NoError(t, s.Set(ctx, "t1:k", entryAt("t1:k", now, time.Minute, now)))
	got, err = s.Get(ctx, "t1:k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Timestamps, 1)

	// Callers get a copy, not the stored slice.
	got.Timestamps = append(got.Timestamps, now)
	again, err := s.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Len(t, again.Timestamps, 1)

	require.NoError(t, s.Remove(ctx, "t1:k"))
	got, err = s.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_ExpiredSuppressedOnTouch(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:k", entryAt("t1:k", now, time.Second, now)))

	now = now.Add(2 * time.Second)
	got, err := s.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry must be suppressed")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalEntries)
	assert.EqualValues(t, 1, stats.ExpiredEntries)
}

func TestMemoryStore_SetExpiredNotPersisted(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:k", entryAt("t1:k", now, -time.Second, now)))
	got, err := s.Get(ctx, "t1:k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_GetByPrefix(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:a", entryAt("t1:a", now, time.Minute, now)))
	require.NoError(t, s.Set(ctx, "t1:b", entryAt("t1:b", now, time.Minute, now)))
	require.NoError(t, s.Set(ctx, "t2:a", entryAt("t2:a", now, time.Minute, now)))

	entries, err := s.GetByPrefix(ctx, "t1:")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.GetByPrefix(ctx, "t3:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:a", entryAt("t1:a", now, time.Second, now)))
	require.NoError(t, s.Set(ctx, "t1:b", entryAt("t1:b", now, time.Hour, now)))

	now = now.Add(5 * time.Second)
	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalEntries)
	assert.Equal(t, now, stats.LastCleanup)
	assert.EqualValues(t, 1, stats.PerTenantCounts["t1"])
}

func TestMemoryStore_LatencyFollowsStoreClock(t *testing.T) {
	// A frozen clock an hour in the past must yield zero latency, not the
	// wall-clock gap between the fake and real now.
	now := time.Now().Add(-time.Hour)
	s := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:k", entryAt("t1:k", now, time.Minute, now)))
	_, err := s.Get(ctx, "t1:k")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), stats.AvgLatency)
}

func TestMemoryStore_ContextCancellation(t *testing.T) {
	s := NewMemoryStore(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "t1:k")
	assert.Error(t, err)
	assert.True(t, models.IsCancelled(err))
}

func TestTenantOf(t *testing.T) {
	assert.Equal(t, "t1", tenantOf("t1:key"))
	assert.Equal(t, "t1", tenantOf("t1:key:with:colons"))
	assert.Equal(t, "bare", tenantOf("bare"))
}
