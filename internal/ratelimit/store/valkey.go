package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/pkg/cache"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// cleanupSetSuffix names the secondary ordered set that indexes main keys
// by their expiry instant, so cleanup is a range query instead of a scan.
const cleanupSetSuffix = "cleanup_set"

// cleanupBatchSize caps how many keys one cleanup pass deletes.
const cleanupBatchSize = 1000

// ValkeyStore persists entries as JSON under "{prefix}{tenant}:{id}" with a
// backend TTL. Every backend call goes through a circuit breaker; an open
// breaker makes the store report unavailable, which the limiter turns into
// fail-open and the monitor into degraded health.
type ValkeyStore struct {
	client  cache.ValkeyClient
	breaker *gobreaker.CircuitBreaker[any]
	prefix  string
	tracker *opTracker
	logger  logger.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
	expiredCnt  int64
}

// NewValkeyStore wraps a Valkey client as a distributed rate-limit store.
func NewValkeyStore(client cache.ValkeyClient, keyPrefix string, log logger.Logger) *ValkeyStore {
	s := &ValkeyStore{
		client:  client,
		prefix:  keyPrefix,
		tracker: newOpTracker("valkey"),
		logger:  log,
		now:     time.Now,
	}

	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "ratelimit-valkey",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("rate-limit store breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// WithClock overrides the store clock for tests.
func (s *ValkeyStore) WithClock(now func() time.Time) *ValkeyStore {
	s.now = now
	s.tracker.now = now
	return s
}

// BreakerState exposes the circuit state for health reporting.
func (s *ValkeyStore) BreakerState() string {
	return s.breaker.State().String()
}

func (s *ValkeyStore) mainKey(key string) string { return s.prefix + key }
func (s *ValkeyStore) cleanupKey() string        { return s.prefix + cleanupSetSuffix }
func (s *ValkeyStore) stripPrefix(k string) string { return k[len(s.prefix):] }

func (s *ValkeyStore) execute(op func() error) error {
	_, err := s.breaker.Execute(func() (any, error) { return nil, op() })
	return err
}

func (s *ValkeyStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	start := s.now()
	var entry *models.RateLimitEntry

	err := s.execute(func() error {
		data, err := s.client.Get(ctx, s.mainKey(key))
		if err != nil {
			if errors.Is(err, cache.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		var e models.RateLimitEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to decode rate-limit entry %s: %w", key, err)
		}
		entry = &e
		return nil
	})
	s.tracker.observe("get", start, err)
	if err != nil {
		return nil, models.NewStoreUnavailableError("get", err)
	}

	if entry != nil && entry.IsExpired(s.now()) {
		// Backend TTL should have reaped it; remove opportunistically.
		_ = s.Remove(ctx, key)
		return nil, nil
	}
	return entry, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, entry *models.RateLimitEntry) error {
	start := s.now()
	if entry == nil {
		return models.NewValidationError("entry", "must not be nil")
	}

	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	err := s.execute(func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode rate-limit entry %s: %w", key, err)
		}
		if err := s.client.Set(ctx, s.mainKey(key), data, ttl); err != nil {
			return err
		}
		return s.client.ZAdd(ctx, s.cleanupKey(), float64(entry.ExpiresAt.UnixNano()), s.mainKey(key))
	})
	s.tracker.observe("set", start, err)
	if err != nil {
		return models.NewStoreUnavailableError("set", err)
	}
	return nil
}

func (s *ValkeyStore) Remove(ctx context.Context, key string) error {
	start := s.now()
	err := s.execute(func() error {
		if err := s.client.Delete(ctx, s.mainKey(key)); err != nil {
			return err
		}
		return s.client.ZRem(ctx, s.cleanupKey(), s.mainKey(key))
	})
	s.tracker.observe("remove", start, err)
	if err != nil {
		return models.NewStoreUnavailableError("remove", err)
	}
	return nil
}

func (s *ValkeyStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error) {
	start := s.now()
	var entries []*models.RateLimitEntry

	err := s.execute(func() error {
		keys, err := s.client.ScanKeys(ctx, s.prefix+prefix+"*", 0)
		if err != nil {
			return err
		}
		now := s.now()
		for _, k := range keys {
			if k == s.cleanupKey() {
				continue
			}
			data, err := s.client.Get(ctx, k)
			if err != nil {
				if errors.Is(err, cache.ErrKeyNotFound) {
					continue // expired between scan and get
				}
				return err
			}
			var e models.RateLimitEntry
			if err := json.Unmarshal(data, &e); err != nil {
				s.logger.Warn("skipping undecodable rate-limit entry", "key", k, "error", err)
				continue
			}
			if e.IsExpired(now) {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})
	s.tracker.observe("get_by_prefix", start, err)
	if err != nil {
		return nil, models.NewStoreUnavailableError("get_by_prefix", err)
	}
	return entries, nil
}

// CleanupExpired range-reads the expiry index up to now and batch-deletes
// both the main keys and their index members.
func (s *ValkeyStore) CleanupExpired(ctx context.Context) (int64, error) {
	start := s.now()
	var removed int64

	err := s.execute(func() error {
		now := s.now()
		members, err := s.client.ZRangeByScore(
			ctx, s.cleanupKey(), 0, float64(now.UnixNano()), cleanupBatchSize)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if err := s.client.Delete(ctx, members...); err != nil {
			return err
		}
		if err := s.client.ZRem(ctx, s.cleanupKey(), members...); err != nil {
			return err
		}
		removed = int64(len(members))
		return nil
	})
	s.tracker.observe("cleanup", start, err)
	if err != nil {
		return 0, models.NewStoreUnavailableError("cleanup", err)
	}

	s.mu.Lock()
	s.lastCleanup = s.now()
	s.expiredCnt += removed
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("valkey store cleanup removed expired entries", "removed", removed)
	}
	return removed, nil
}

func (s *ValkeyStore) Stats(ctx context.Context) (*Stats, error) {
	totalOps, avg := s.tracker.snapshot()

	s.mu.Lock()
	lastCleanup := s.lastCleanup
	expired := s.expiredCnt
	s.mu.Unlock()

	stats := &Stats{
		Backend:         "valkey",
		ExpiredEntries:  expired,
		TotalRequests:   totalOps,
		LastCleanup:     lastCleanup,
		AvgLatency:      avg,
		PerTenantCounts: make(map[string]int64),
	}

	err := s.execute(func() error {
		keys, err := s.client.ScanKeys(ctx, s.prefix+"*", 0)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k == s.cleanupKey() {
				continue
			}
			stats.TotalEntries++
			stats.PerTenantCounts[tenantOf(s.stripPrefix(k))]++
		}
		return nil
	})
	if err != nil {
		return nil, models.NewStoreUnavailableError("stats", err)
	}
	return stats, nil
}

func (s *ValkeyStore) HealthCheck(ctx context.Context) error {
	err := s.execute(func() error { return s.client.HealthCheck(ctx) })
	if err != nil {
		return models.NewStoreUnavailableError("health_check", err)
	}
	return nil
}

func (s *ValkeyStore) Close() error {
	return s.client.Close()
}
