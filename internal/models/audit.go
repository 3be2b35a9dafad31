package models

import (
	"time"
)

// AuditCategory classifies what an audit event records.
type AuditCategory string

const (
	AuditAuthDecision    AuditCategory = "auth-decision"
	AuditAdminMutation   AuditCategory = "admin-mutation"
	AuditSecurityAnomaly AuditCategory = "security-anomaly"
)

// AuditSeverity tiers events for retention and alerting.
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

// AuditEvent is the append-only record emitted by the evaluator, the rate
// limiter, and every admin mutation. Events are ordered FIFO within a
// tenant; there is no cross-tenant ordering.
type AuditEvent struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenantId"`
	When          time.Time              `json:"when"`
	Actor         string                 `json:"actor"`
	Category      AuditCategory          `json:"category"`
	EntityType    string                 `json:"entityType"`
	EntityID      string                 `json:"entityId"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Severity      AuditSeverity          `json:"severity"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// DefaultSeverity maps a category to its baseline severity tier:
// decisions are routine, mutations are notable, anomalies page someone.
func (c AuditCategory) DefaultSeverity() AuditSeverity {
	switch c {
	case AuditAdminMutation:
		return AuditSeverityWarning
	case AuditSecurityAnomaly:
		return AuditSeverityCritical
	default:
		return AuditSeverityInfo
	}
}
