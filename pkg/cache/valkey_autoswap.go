package cache

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/pkg/logger"
)

// autoSwapClient wraps a ValkeyClient and can swap from a fallback (the
// in-memory noop) to a real Valkey client once it becomes available, so a
// cold backend never blocks process startup. It satisfies ValkeyClient by
// delegating every call to the currently active implementation.
type autoSwapClient struct {
	mu      sync.RWMutex
	current ValkeyClient
	logger  logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// newAutoSwapClient starts with fallback and keeps trying dialReal until it
// succeeds, then atomically swaps.
func newAutoSwapClient(fallback ValkeyClient, log logger.Logger, dialReal func() (ValkeyClient, error)) *autoSwapClient {
	a := &autoSwapClient{
		current: fallback,
		logger:  log,
		stopCh:  make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				real, err := dialReal()
				if err != nil {
					a.logger.Warn("Valkey connection attempt failed; will retry", "error", err)
					continue
				}
				a.mu.Lock()
				a.current = real
				a.mu.Unlock()
				a.logger.Info("Valkey connection established; switched from in-memory fallback")
				return // stop after first successful swap
			}
		}
	}()

	return a
}

// NewAutoSwapForSingle upgrades from the in-memory fallback to a single-node
// client when reachable.
func NewAutoSwapForSingle(addr string, db int, password string, ttl time.Duration, log logger.Logger, fallback ValkeyClient) ValkeyClient {
	return newAutoSwapClient(fallback, log, func() (ValkeyClient, error) {
		return NewValkeySingle(addr, db, password, ttl)
	})
}

// NewAutoSwapForCluster upgrades from the in-memory fallback to a cluster
// client when reachable.
func NewAutoSwapForCluster(nodes []string, password string, ttl time.Duration, log logger.Logger, fallback ValkeyClient) ValkeyClient {
	return newAutoSwapClient(fallback, log, func() (ValkeyClient, error) {
		return NewValkeyCluster(nodes, password, ttl)
	})
}

func (a *autoSwapClient) active() ValkeyClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *autoSwapClient) Get(ctx context.Context, key string) ([]byte, error) {
	return a.active().Get(ctx, key)
}

func (a *autoSwapClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.active().Set(ctx, key, value, ttl)
}

func (a *autoSwapClient) Delete(ctx context.Context, keys ...string) error {
	return a.active().Delete(ctx, keys...)
}

func (a *autoSwapClient) ScanKeys(ctx context.Context, match string, limit int64) ([]string, error) {
	return a.active().ScanKeys(ctx, match, limit)
}

func (a *autoSwapClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.active().ZAdd(ctx, key, score, member)
}

func (a *autoSwapClient) ZRem(ctx context.Context, key string, members ...string) error {
	return a.active().ZRem(ctx, key, members...)
}

func (a *autoSwapClient) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	return a.active().ZRangeByScore(ctx, key, min, max, limit)
}

func (a *autoSwapClient) ZCard(ctx context.Context, key string) (int64, error) {
	return a.active().ZCard(ctx, key)
}

func (a *autoSwapClient) RPushTrim(ctx context.Context, key string, cap int64, values ...interface{}) error {
	return a.active().RPushTrim(ctx, key, cap, values...)
}

func (a *autoSwapClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.active().LRange(ctx, key, start, stop)
}

func (a *autoSwapClient) LLen(ctx context.Context, key string) (int64, error) {
	return a.active().LLen(ctx, key)
}

func (a *autoSwapClient) HealthCheck(ctx context.Context) error {
	return a.active().HealthCheck(ctx)
}

// Close stops the background connector and closes the active client.
func (a *autoSwapClient) Close() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	return a.active().Close()
}
