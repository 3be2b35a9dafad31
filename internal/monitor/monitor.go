// Package monitor runs the background loops: periodic cleanup of expired
// rate-limit state and a health probe that folds store stats, decision
// counters and backend reachability into one snapshot. Loops never
// overlap themselves; a tick that fires while the previous one still runs
// is skipped, not queued.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

const (
	defaultInterval        = time.Minute
	defaultCleanupInterval = 5 * time.Minute
	defaultAlertThreshold  = 0.8
	defaultMaxCapacity     = 100000

	// latencyAlarm marks the store as struggling; above this the health
	// probe flips unhealthy.
	latencyAlarm = 500 * time.Millisecond

	tickTimeout = 30 * time.Second
)

// Options tunes the loops. Zero values fall back to defaults.
type Options struct {
	Interval        time.Duration // health probe cadence
	CleanupInterval time.Duration // expired-entry sweep cadence
	AlertThreshold  float64       // block-rate ceiling before unhealthy
	MaxCapacity     int64         // capacity base for utilization
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultCleanupInterval
	}
	if o.AlertThreshold <= 0 {
		o.AlertThreshold = defaultAlertThreshold
	}
	if o.MaxCapacity <= 0 {
		o.MaxCapacity = defaultMaxCapacity
	}
	return o
}

// Health is the probe's latest snapshot.
type Health struct {
	Healthy        bool          `json:"healthy"`
	Reasons        []string      `json:"reasons,omitempty"`
	Backend        string        `json:"backend"`
	StoreHealthy   bool          `json:"storeHealthy"`
	BreakerState   string        `json:"breakerState,omitempty"`
	ActiveEntries  int64         `json:"activeEntries"`
	MaxCapacity    int64         `json:"maxCapacity"`
	Utilization    float64       `json:"utilization"`
	AvgLatency     time.Duration `json:"avgLatency"`
	BlockRate      float64       `json:"blockRate"`
	CheckedAt      time.Time     `json:"checkedAt"`
	LastCleanup    time.Time     `json:"lastCleanup,omitempty"`
	CleanupRemoved int64         `json:"cleanupRemoved"`
}

// breakerStater is implemented by stores that front a circuit breaker.
type breakerStater interface {
	BreakerState() string
}

// Monitor owns the cron loops and the current health snapshot.
type Monitor struct {
	store  store.Store
	logger logger.Logger
	opts   Options
	cron   *cron.Cron
	now    func() time.Time

	allowed  atomic.Int64
	blocked  atomic.Int64
	failOpen atomic.Int64

	mu             sync.RWMutex
	health         Health
	cleanupRemoved int64
}

// New builds a monitor over the given store. Start launches the loops.
func New(st store.Store, log logger.Logger, opts Options) *Monitor {
	m := &Monitor{
		store:  st,
		logger: log,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
	// Until the first probe runs, report healthy with no data rather than
	// failing readiness during startup.
	m.health = Health{Healthy: true, StoreHealthy: true, MaxCapacity: m.opts.MaxCapacity}
	return m
}

// WithClock overrides the monitor clock for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start schedules the loops. An overrunning tick causes the next firing
// to be skipped.
func (m *Monitor) Start() {
	if m.cron != nil {
		return
	}
	m.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{m.logger}),
	))
	m.cron.Schedule(cron.Every(m.opts.Interval), cron.FuncJob(m.runHealth))
	m.cron.Schedule(cron.Every(m.opts.CleanupInterval), cron.FuncJob(m.runCleanup))
	m.cron.Start()

	m.logger.Info("monitor started",
		"interval", m.opts.Interval.String(),
		"cleanup_interval", m.opts.CleanupInterval.String(),
		"alert_threshold", m.opts.AlertThreshold,
	)
}

// Stop halts the loops and waits for any in-flight tick, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cron == nil {
		return nil
	}
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		m.logger.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveDecision feeds the block-rate window. The rate-limit middleware
// calls this once per check.
func (m *Monitor) ObserveDecision(allowed, failedOpen bool) {
	if failedOpen {
		m.failOpen.Add(1)
		return
	}
	if allowed {
		m.allowed.Add(1)
	} else {
		m.blocked.Add(1)
	}
}

// Health returns the latest snapshot.
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.health
	h.Reasons = append([]string(nil), m.health.Reasons...)
	return h
}

// runHealth is one probe tick: poll store stats, fold in the decision
// counters since the previous tick, and publish the snapshot.
func (m *Monitor) runHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	h := Health{
		Healthy:      true,
		StoreHealthy: true,
		MaxCapacity:  m.opts.MaxCapacity,
		CheckedAt:    m.now(),
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		h.StoreHealthy = false
		h.Reasons = append(h.Reasons, "store_stats_failed")
		m.logger.Warn("health probe could not read store stats", "error", err)
	} else {
		h.Backend = stats.Backend
		h.ActiveEntries = stats.TotalEntries
		h.AvgLatency = stats.AvgLatency
		h.Utilization = float64(stats.TotalEntries) / float64(m.opts.MaxCapacity)
		for tenantID, count := range stats.PerTenantCounts {
			monitoring.SetActiveLimits(tenantID, int(count))
		}
	}

	if err := m.store.HealthCheck(ctx); err != nil {
		h.StoreHealthy = false
		h.Reasons = append(h.Reasons, "store_unreachable")
		m.logger.Warn("store health check failed", "error", err)
	}
	if bs, ok := m.store.(breakerStater); ok {
		h.BreakerState = bs.BreakerState()
	}

	allowed := m.allowed.Swap(0)
	blocked := m.blocked.Swap(0)
	failedOpen := m.failOpen.Swap(0)
	if total := allowed + blocked; total > 0 {
		h.BlockRate = float64(blocked) / float64(total)
	}

	if h.AvgLatency > latencyAlarm {
		h.Reasons = append(h.Reasons, "store_latency_high")
	}
	if h.BlockRate > m.opts.AlertThreshold {
		h.Reasons = append(h.Reasons, "block_rate_high")
	}
	h.Healthy = len(h.Reasons) == 0

	m.mu.Lock()
	h.CleanupRemoved = m.cleanupRemoved
	h.LastCleanup = m.health.LastCleanup
	m.health = h
	m.mu.Unlock()

	if !h.Healthy {
		m.logger.Warn("health probe degraded",
			"reasons", h.Reasons,
			"avg_latency", h.AvgLatency.String(),
			"block_rate", h.BlockRate,
			"fail_open", failedOpen,
		)
	}
}

// runCleanup is one sweep tick.
func (m *Monitor) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	removed, err := m.store.CleanupExpired(ctx)
	if err != nil {
		m.logger.Warn("cleanup sweep failed", "error", err)
		return
	}

	m.mu.Lock()
	m.cleanupRemoved += removed
	m.health.CleanupRemoved = m.cleanupRemoved
	m.health.LastCleanup = m.now()
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("cleanup sweep removed expired entries", "removed", removed)
	}
}

// cronLogger adapts the service logger to cron's interface; it only ever
// speaks up when a tick is skipped or panics.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
