package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/pkg/cache"
)

// ValkeySink appends events to a capped per-tenant list. One RPUSH+LTRIM
// round trip per batch keeps ordering and the retention cap atomic under
// concurrent writers.
type ValkeySink struct {
	client    cache.ValkeyClient
	keyPrefix string
	retention int64 // events kept per tenant
	now       func() time.Time
}

// NewValkeySink builds a sink writing to "{prefix}{tenant}". retention <= 0
// defaults to 10000 events per tenant.
func NewValkeySink(client cache.ValkeyClient, keyPrefix string, retention int64) *ValkeySink {
	if retention <= 0 {
		retention = 10000
	}
	return &ValkeySink{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *ValkeySink) key(tenantID string) string {
	return s.keyPrefix + tenantID
}

func (s *ValkeySink) Record(ctx context.Context, event *models.AuditEvent) error {
	return s.RecordBatch(ctx, []*models.AuditEvent{event})
}

func (s *ValkeySink) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Group by tenant so each tenant's list gets one ordered append.
	type tenantBatch struct {
		values     []interface{}
		categories []string
	}
	byTenant := make(map[string]*tenantBatch)
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		prepare(event, s.now)
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode audit event %s: %w", event.ID, err)
		}
		batch, ok := byTenant[event.TenantID]
		if !ok {
			batch = &tenantBatch{}
			byTenant[event.TenantID] = batch
		}
		batch.values = append(batch.values, data)
		batch.categories = append(batch.categories, string(event.Category))
	}

	for tenantID, batch := range byTenant {
		if err := s.client.RPushTrim(ctx, s.key(tenantID), s.retention, batch.values...); err != nil {
			return models.NewStoreUnavailableError("audit_append", err)
		}
		for _, category := range batch.categories {
			monitoring.RecordAuditEvent(tenantID, category)
		}
	}
	return nil
}

// Tail returns the newest n events for a tenant, oldest first. Intended
// for operator introspection, not reporting.
func (s *ValkeySink) Tail(ctx context.Context, tenantID string, n int64) ([]*models.AuditEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(tenantID), -n, -1)
	if err != nil {
		return nil, models.NewStoreUnavailableError("audit_tail", err)
	}
	events := make([]*models.AuditEvent, 0, len(raw))
	for _, item := range raw {
		var event models.AuditEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}
