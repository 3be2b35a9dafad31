// Package store persists sliding-window rate-limit state keyed by the
// composite "{tenant}:{id}". Two backends exist: a process-local memory
// store and a distributed Valkey store, plus an auto-swapping wrapper that
// upgrades from memory to Valkey once the backend is reachable.
//
// Store methods return errors instead of panicking; the limiter maps any
// error onto its fail-open path.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
)

// Store is the keyed persistence contract for rate-limit entries.
type Store interface {
	// Get returns the live entry for key, or (nil, nil) when the key is
	// absent or expired. Expired entries are removed opportunistically.
	Get(ctx context.Context, key string) (*models.RateLimitEntry, error)

	// Set overwrites the entry atomically with TTL = entry.ExpiresAt - now.
	// Entries that are already expired are not persisted.
	Set(ctx context.Context, key string, entry *models.RateLimitEntry) error

	// Remove deletes the entry.
	Remove(ctx context.Context, key string) error

	// GetByPrefix returns all live entries whose key starts with prefix,
	// used for per-tenant introspection.
	GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error)

	// CleanupExpired bulk-removes entries whose expiry has passed and
	// returns how many were dropped.
	CleanupExpired(ctx context.Context) (int64, error)

	// Stats reports live counters for the monitor.
	Stats(ctx context.Context) (*Stats, error)

	// HealthCheck reports backend reachability.
	HealthCheck(ctx context.Context) error

	Close() error
}

// Stats is the store-level view the monitor polls.
type Stats struct {
	Backend         string           `json:"backend"`
	TotalEntries    int64            `json:"totalEntries"`
	ExpiredEntries  int64            `json:"expiredEntries"` // cumulative removals
	TotalRequests   int64            `json:"totalRequests"`  // cumulative store operations
	LastCleanup     time.Time        `json:"lastCleanup"`
	AvgLatency      time.Duration    `json:"avgLatency"`
	PerTenantCounts map[string]int64 `json:"perTenantCounts"`
}

// latencyWindow keeps a bounded ring of recent operation latencies so the
// health probe reacts to current conditions rather than lifetime averages.
const latencyWindowSize = 512

type opTracker struct {
	mu       sync.Mutex
	backend  string
	now      func() time.Time
	totalOps int64
	ring     [latencyWindowSize]time.Duration
	count    int
	next     int
}

func newOpTracker(backend string) *opTracker {
	return &opTracker{backend: backend, now: time.Now}
}

// observe records one operation's latency and outcome, feeding both the
// local window and Prometheus. Elapsed time comes from the same clock
// that produced start, so stores running under a test clock stay sane.
func (t *opTracker) observe(op string, start time.Time, err error) {
	elapsed := t.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	monitoring.RecordStoreOperation(op, t.backend, elapsed, err == nil)

	t.mu.Lock()
	t.totalOps++
	t.ring[t.next] = elapsed
	t.next = (t.next + 1) % latencyWindowSize
	if t.count < latencyWindowSize {
		t.count++
	}
	t.mu.Unlock()
}

func (t *opTracker) snapshot() (totalOps int64, avg time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return t.totalOps, 0
	}
	var sum time.Duration
	for i := 0; i < t.count; i++ {
		sum += t.ring[i]
	}
	return t.totalOps, sum / time.Duration(t.count)
}

// tenantOf extracts the tenant half of a composite "{tenant}:{id}" key.
func tenantOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
