// Package authz answers "may principal P perform verb V on resource R".
// Evaluation is a pure read over the permission graph: collect the
// resources matching the URI, the principal's entity closure, and the
// applicable access rows, then combine deny-wins. Decisions are memoized
// per tenant generation so any admin mutation invalidates the cache.
package authz

import (
	"context"
	"time"

	"github.com/platformbuilds/acs-core/internal/graph"
	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/internal/tracing"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// auditRecorder is the slice of the audit sink the evaluator needs.
type auditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Evaluator resolves access decisions against the permission graph.
type Evaluator struct {
	graph  *graph.Graph
	cache  *decisionCache
	logger logger.Logger
	audit  auditRecorder
	tracer *tracing.DecisionTracer
	now    func() time.Time
}

// Option customizes an Evaluator.
type Option func(*evaluatorOptions)

type evaluatorOptions struct {
	cacheTTL  time.Duration
	cacheSize int
	audit     auditRecorder
	tracer    *tracing.DecisionTracer
	now       func() time.Time
}

// WithCacheTTL sets the decision memo TTL (default 10 s).
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *evaluatorOptions) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithCacheSize sets the decision memo capacity.
func WithCacheSize(n int) Option {
	return func(o *evaluatorOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithAuditSink wires an audit recorder for decisions and anomalies.
func WithAuditSink(sink auditRecorder) Option {
	return func(o *evaluatorOptions) { o.audit = sink }
}

// WithTracer wires decision spans around every evaluation.
func WithTracer(tracer *tracing.DecisionTracer) Option {
	return func(o *evaluatorOptions) { o.tracer = tracer }
}

// WithClock overrides the evaluator clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *evaluatorOptions) { o.now = now }
}

// NewEvaluator builds an evaluator over the given graph.
func NewEvaluator(g *graph.Graph, log logger.Logger, opts ...Option) *Evaluator {
	o := &evaluatorOptions{
		cacheTTL:  defaultCacheTTL,
		cacheSize: defaultCacheSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Evaluator{
		graph:  g,
		cache:  newDecisionCache(o.cacheSize, o.cacheTTL),
		logger: log,
		audit:  o.audit,
		tracer: o.tracer,
		now:    o.now,
	}
}

// Evaluate resolves the decision for one (principal, verb, uri) triple.
// Deny wins over any number of grants; a grant without a deny allows; no
// applicable rule at all is NotApplicable, which callers treat as a deny.
// The reason chain lists every examined rule, most specific pattern first;
// specificity orders the chain but never changes the outcome.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, principalID int64, verbName, uri string) (*models.AccessDecision, error) {
	if e.tracer == nil {
		return e.evaluate(ctx, tenantID, principalID, verbName, uri)
	}

	start := e.now()
	ctx, span := e.tracer.StartEvaluateSpan(ctx, tenantID, principalID, verbName, uri)
	defer span.End()

	decision, err := e.evaluate(ctx, tenantID, principalID, verbName, uri)
	if err != nil {
		e.tracer.RecordError(span, err)
		return nil, err
	}
	e.tracer.RecordDecision(span, string(decision.Effect), len(decision.Reasons), decision.FromCache, e.now().Sub(start))
	return decision, nil
}

func (e *Evaluator) evaluate(ctx context.Context, tenantID string, principalID int64, verbName, uri string) (*models.AccessDecision, error) {
	start := e.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := models.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	user, err := e.graph.GetUser(tenantID, principalID)
	if err != nil {
		return nil, err
	}
	verb, err := e.graph.GetVerbByName(tenantID, verbName)
	if err != nil {
		// An unregistered verb is a caller bug, not a missing record.
		return nil, models.NewValidationError("verb", "verb is not registered for tenant")
	}

	generation := e.graph.Generation(tenantID)
	key := decisionKey(generation, tenantID, principalID, verb.Name, uri)
	if cached, ok := e.cache.get(key); ok {
		e.finish(ctx, cached, start)
		return cached, nil
	}

	decision := &models.AccessDecision{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Verb:        verb.Name,
		URI:         uri,
		Effect:      models.DecisionNotApplicable,
		EvaluatedAt: start,
	}

	// A deactivated principal is denied outright; its rules are not
	// consulted, so the chain stays empty.
	if !user.Active {
		decision.Effect = models.DecisionDeny
		e.cache.add(key, decision)
		e.finish(ctx, decision, start)
		return decision, nil
	}

	resources := e.graph.ResourcesMatching(tenantID, uri)
	entities, err := e.graph.EntitiesForPrincipal(tenantID, principalID)
	if err != nil {
		return nil, err
	}
	bindings := e.graph.AccessBindings(tenantID, entities, verb.ID, resources)

	var anyGrant, anyDeny bool
	for _, binding := range bindings {
		effect, err := binding.Access.Effect()
		if err != nil {
			e.recordAnomaly(ctx, tenantID, binding, err)
			return nil, err
		}
		switch effect {
		case models.AccessGrant:
			anyGrant = true
		case models.AccessDeny:
			anyDeny = true
		}
		decision.Reasons = append(decision.Reasons, models.DecisionReason{
			EntityKind:  binding.Entity.Kind,
			EntityID:    binding.Entity.EntityID,
			OwnerID:     binding.Entity.OwnerID,
			SchemeID:    binding.Access.SchemeID,
			AccessID:    binding.Access.ID,
			ResourceID:  binding.Resource.ID,
			Pattern:     binding.Resource.URIPattern,
			Verb:        verb.Name,
			Effect:      effect,
			Specificity: binding.Specificity,
		})
	}

	switch {
	case anyDeny:
		decision.Effect = models.DecisionDeny
	case anyGrant:
		decision.Effect = models.DecisionAllow
	}

	e.cache.add(key, decision)
	e.finish(ctx, decision, start)
	return decision, nil
}

// finish emits the decision's audit event and metrics.
func (e *Evaluator) finish(ctx context.Context, decision *models.AccessDecision, start time.Time) {
	monitoring.RecordAuthzDecision(decision.TenantID, string(decision.Effect), e.now().Sub(start))

	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, &models.AuditEvent{
		TenantID:   decision.TenantID,
		When:       e.now(),
		Actor:      "evaluator",
		Category:   models.AuditAuthDecision,
		EntityType: "decision",
		EntityID:   decision.URI,
		Severity:   models.AuditSeverityInfo,
		Details: map[string]interface{}{
			"principal_id": decision.PrincipalID,
			"verb":         decision.Verb,
			"effect":       string(decision.Effect),
			"rules":        len(decision.Reasons),
			"from_cache":   decision.FromCache,
		},
	})
}

// recordAnomaly flags a malformed grant+deny row. These rows cannot be
// produced through the admin API, so one showing up means corruption.
func (e *Evaluator) recordAnomaly(ctx context.Context, tenantID string, binding graph.AccessBinding, cause error) {
	e.logger.Error("inconsistent access row during evaluation",
		"tenant_id", tenantID,
		"access_id", binding.Access.ID,
		"scheme_id", binding.Access.SchemeID,
		"error", cause,
	)
	if e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, &models.AuditEvent{
		TenantID:   tenantID,
		When:       e.now(),
		Actor:      "evaluator",
		Category:   models.AuditSecurityAnomaly,
		EntityType: "uri_access",
		EntityID:   binding.Resource.URIPattern,
		Severity:   models.AuditSeverityCritical,
		Details: map[string]interface{}{
			"access_id": binding.Access.ID,
			"scheme_id": binding.Access.SchemeID,
			"error":     cause.Error(),
		},
	})
}
