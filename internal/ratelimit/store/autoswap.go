package store

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// AutoSwapStore starts on a fallback store (memory) and upgrades to the
// preferred store (distributed) once its health check passes, so a cold
// Valkey never blocks process startup. Entries accumulated in the fallback
// before the swap are abandoned; sliding windows simply restart, which is
// acceptable because fallback state was process-local anyway.
type AutoSwapStore struct {
	mu      sync.RWMutex
	current Store

	preferred Store
	logger    logger.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewAutoSwapStore probes preferred every probeInterval until it is healthy,
// then swaps. probeInterval <= 0 defaults to 5 s.
func NewAutoSwapStore(fallback, preferred Store, probeInterval time.Duration, log logger.Logger) *AutoSwapStore {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	a := &AutoSwapStore{
		current:   fallback,
		preferred: preferred,
		logger:    log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go a.probeLoop(probeInterval)
	return a
}

func (a *AutoSwapStore) probeLoop(interval time.Duration) {
	defer close(a.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := a.preferred.HealthCheck(ctx)
			cancel()
			if err != nil {
				a.logger.Debug("preferred rate-limit store still unreachable", "error", err)
				continue
			}
			a.mu.Lock()
			a.current = a.preferred
			a.mu.Unlock()
			a.logger.Info("rate-limit store upgraded from memory fallback to distributed backend")
			return
		}
	}
}

// Swapped reports whether the preferred store is active.
func (a *AutoSwapStore) Swapped() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current == a.preferred
}

func (a *AutoSwapStore) active() Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *AutoSwapStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	return a.active().Get(ctx, key)
}

func (a *AutoSwapStore) Set(ctx context.Context, key string, entry *models.RateLimitEntry) error {
	return a.active().Set(ctx, key, entry)
}

func (a *AutoSwapStore) Remove(ctx context.Context, key string) error {
	return a.active().Remove(ctx, key)
}

func (a *AutoSwapStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error) {
	return a.active().GetByPrefix(ctx, prefix)
}

func (a *AutoSwapStore) CleanupExpired(ctx context.Context) (int64, error) {
	return a.active().CleanupExpired(ctx)
}

func (a *AutoSwapStore) Stats(ctx context.Context) (*Stats, error) {
	return a.active().Stats(ctx)
}

func (a *AutoSwapStore) HealthCheck(ctx context.Context) error {
	return a.active().HealthCheck(ctx)
}

// Close stops the probe loop and closes both stores.
func (a *AutoSwapStore) Close() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh

	err := a.active().Close()
	if !a.Swapped() {
		if cerr := a.preferred.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
