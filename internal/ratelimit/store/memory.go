package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// MemoryStore keeps rate-limit entries in a mutex-guarded map. Expired
// entries are suppressed and removed on touch; the monitor invokes
// CleanupExpired for bulk reaping.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.RateLimitEntry

	tracker     *opTracker
	logger      logger.Logger
	now         func() time.Time
	lastCleanup time.Time
	expiredCnt  int64
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore(log logger.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.RateLimitEntry),
		tracker: newOpTracker("memory"),
		logger:  log,
		now:     time.Now,
	}
}

// WithClock overrides the store clock. Tests drive the sliding-window
// boundary scenarios with it.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	s.tracker.now = now
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	start := s.now()
	defer func() { s.tracker.observe("get", start, nil) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.IsExpired(s.now()) {
		delete(s.entries, key)
		s.expiredCnt++
		return nil, nil
	}
	return entry.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, entry *models.RateLimitEntry) error {
	start := s.now()
	defer func() { s.tracker.observe("set", start, nil) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return models.NewValidationError("entry", "must not be nil")
	}
	if entry.IsExpired(s.now()) {
		// Nothing to persist; drop any stale copy.
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.entries[key] = entry.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	start := s.now()
	defer func() { s.tracker.observe("remove", start, nil) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error) {
	start := s.now()
	defer func() { s.tracker.observe("get_by_prefix", start, nil) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RateLimitEntry
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if entry.IsExpired(now) {
			delete(s.entries, key)
			s.expiredCnt++
			continue
		}
		out = append(out, entry.Clone())
	}
	return out, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int64, error) {
	start := s.now()
	defer func() { s.tracker.observe("cleanup", start, nil) }()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, entry := range s.entries {
		if entry.IsExpired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	s.expiredCnt += removed
	s.lastCleanup = now

	if removed > 0 && s.logger != nil {
		s.logger.Debug("memory store cleanup removed expired entries", "removed", removed)
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	totalOps, avg := s.tracker.snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	perTenant := make(map[string]int64)
	now := s.now()
	var live int64
	for key, entry := range s.entries {
		if entry.IsExpired(now) {
			continue
		}
		live++
		perTenant[tenantOf(key)]++
	}

	return &Stats{
		Backend:         "memory",
		TotalEntries:    live,
		ExpiredEntries:  s.expiredCnt,
		TotalRequests:   totalOps,
		LastCleanup:     s.lastCleanup,
		AvgLatency:      avg,
		PerTenantCounts: perTenant,
	}, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]*models.RateLimitEntry)
	s.mu.Unlock()
	return nil
}
