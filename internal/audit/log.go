package audit

import (
	"context"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// LogSink writes events as structured log lines. Useful when the trail is
// shipped by the logging pipeline instead of stored by the process.
type LogSink struct {
	logger logger.Logger
	now    func() time.Time
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log, now: time.Now}
}

func (s *LogSink) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	prepare(event, s.now)

	s.logger.Info("audit event",
		"audit_id", event.ID,
		"tenant_id", event.TenantID,
		"category", string(event.Category),
		"severity", string(event.Severity),
		"actor", event.Actor,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"correlation_id", event.CorrelationID,
		"details", event.Details,
	)
	monitoring.RecordAuditEvent(event.TenantID, string(event.Category))
	return nil
}

func (s *LogSink) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	for _, event := range events {
		if err := s.Record(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
