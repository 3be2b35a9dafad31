// Package audit provides the append-only event trail. Sinks are
// fire-and-forget from the caller's perspective and preserve FIFO order
// within a tenant; there is no cross-tenant ordering. Retention is the
// sink's concern: the Valkey sink caps each tenant's trail, the log sink
// delegates to log shipping, and the memory sink rings over.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
)

// Sink accepts audit events. Record must be cheap; slow backends belong
// behind the Async wrapper.
type Sink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
	RecordBatch(ctx context.Context, events []*models.AuditEvent) error
}

// prepare stamps defaults onto an event before it is persisted.
func prepare(event *models.AuditEvent, now func() time.Time) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.When.IsZero() {
		event.When = now()
	}
	if event.Severity == "" {
		event.Severity = event.Category.DefaultSeverity()
	}
}

// MemorySink keeps the newest events in a per-tenant ring. Used in tests
// and development; capacity bounds memory, oldest events fall off.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	byTenant map[string][]*models.AuditEvent
	now      func() time.Time
}

// NewMemorySink builds a ring sink holding up to capacity events per
// tenant (default 1024 when capacity <= 0).
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemorySink{
		capacity: capacity,
		byTenant: make(map[string][]*models.AuditEvent),
		now:      time.Now,
	}
}

func (s *MemorySink) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	prepare(event, s.now)

	s.mu.Lock()
	trail := append(s.byTenant[event.TenantID], event)
	if len(trail) > s.capacity {
		trail = trail[len(trail)-s.capacity:]
	}
	s.byTenant[event.TenantID] = trail
	s.mu.Unlock()

	monitoring.RecordAuditEvent(event.TenantID, string(event.Category))
	return nil
}

func (s *MemorySink) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	for _, event := range events {
		if err := s.Record(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the tenant's trail, oldest first.
func (s *MemorySink) Events(tenantID string) []*models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.AuditEvent(nil), s.byTenant[tenantID]...)
}
