package audit

import (
	"context"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// Async decouples callers from a slow backend: events enter a bounded
// buffer and a single dispatcher goroutine drains it to the wrapped sink
// in arrival order, which preserves per-tenant FIFO. When the buffer is
// full the oldest event is dropped and counted, never the newest; an
// audit trail that silently loses its most recent mutations is worse than
// one with a hole in the middle.
type Async struct {
	sink   Sink
	logger logger.Logger

	mu      sync.Mutex
	queue   []*models.AuditEvent
	wake    chan struct{}
	stopped bool

	capacity  int
	batchSize int
	dropped   int64

	done chan struct{}
}

// NewAsync wraps sink with a dispatcher. capacity <= 0 defaults to 8192;
// batchSize <= 0 defaults to 64.
func NewAsync(sink Sink, capacity, batchSize int, log logger.Logger) *Async {
	if capacity <= 0 {
		capacity = 8192
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	a := &Async{
		sink:      sink,
		logger:    log,
		wake:      make(chan struct{}, 1),
		capacity:  capacity,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
	go a.dispatch()
	return a
}

// Record enqueues the event. It never blocks on the backend; a full
// buffer drops the oldest queued event.
func (a *Async) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return models.NewStoreUnavailableError("audit_enqueue", context.Canceled)
	}
	if len(a.queue) >= a.capacity {
		dropped := a.queue[0]
		a.queue = a.queue[1:]
		a.dropped++
		monitoring.RecordAuditDropped(dropped.TenantID, 1)
	}
	a.queue = append(a.queue, event)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *Async) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	for _, event := range events {
		if err := a.Record(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Dropped reports how many events were lost to buffer overflow.
func (a *Async) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Stop flushes the remaining buffer and halts the dispatcher. Records
// arriving after Stop are rejected.
func (a *Async) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) dispatch() {
	defer close(a.done)
	for {
		a.mu.Lock()
		batch := a.takeLocked()
		stopped := a.stopped
		a.mu.Unlock()

		if len(batch) > 0 {
			a.flush(batch)
			continue
		}
		if stopped {
			return
		}
		<-a.wake
	}
}

// takeLocked slices off up to batchSize events. Caller holds a.mu.
func (a *Async) takeLocked() []*models.AuditEvent {
	n := len(a.queue)
	if n == 0 {
		return nil
	}
	if n > a.batchSize {
		n = a.batchSize
	}
	batch := make([]*models.AuditEvent, n)
	copy(batch, a.queue[:n])
	a.queue = a.queue[n:]
	return batch
}

func (a *Async) flush(batch []*models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.sink.RecordBatch(ctx, batch); err != nil {
		// Best-effort contract: log and count, do not requeue (requeuing
		// would reorder against events enqueued meanwhile).
		a.logger.Warn("audit batch write failed; events lost", "count", len(batch), "error", err)
		a.mu.Lock()
		a.dropped += int64(len(batch))
		a.mu.Unlock()
		for _, event := range batch {
			monitoring.RecordAuditDropped(event.TenantID, 1)
		}
	}
}
