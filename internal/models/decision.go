package models

import (
	"time"
)

// DecisionEffect is the evaluator's verdict. NotApplicable means no rule
// matched; callers treat it as a deny but the distinction is preserved for
// audit.
type DecisionEffect string

const (
	DecisionAllow         DecisionEffect = "allow"
	DecisionDeny          DecisionEffect = "deny"
	DecisionNotApplicable DecisionEffect = "not_applicable"
)

// DecisionReason is one examined rule in the reason chain. Specificity is
// informational ordering only (longer literal prefix, fewer wildcards rank
// higher); it never overrides deny-wins combining.
type DecisionReason struct {
	EntityKind  EntityKind   `json:"entityKind"`
	EntityID    int64        `json:"entityId"`
	OwnerID     int64        `json:"ownerId"`
	SchemeID    int64        `json:"schemeId"`
	AccessID    int64        `json:"accessId"`
	ResourceID  int64        `json:"resourceId"`
	Pattern     string       `json:"pattern"`
	Verb        string       `json:"verb"`
	Effect      AccessEffect `json:"effect"`
	Specificity int          `json:"specificity"`
}

// AccessDecision is what Evaluate returns: the effect plus every rule that
// was examined, most specific first.
type AccessDecision struct {
	TenantID    string           `json:"tenantId"`
	PrincipalID int64            `json:"principalId"`
	Verb        string           `json:"verb"`
	URI         string           `json:"uri"`
	Effect      DecisionEffect   `json:"effect"`
	Reasons     []DecisionReason `json:"reasons,omitempty"`
	EvaluatedAt time.Time        `json:"evaluatedAt"`
	FromCache   bool             `json:"fromCache,omitempty"`
}

// Allowed reports whether the caller should admit the operation.
// NotApplicable is treated as a deny.
func (d *AccessDecision) Allowed() bool {
	return d != nil && d.Effect == DecisionAllow
}
