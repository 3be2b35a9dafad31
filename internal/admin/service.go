// Package admin is the single write path into the permission graph. Every
// mutation validates its input, applies through the graph's per-tenant
// write lock, and on success emits exactly one admin-mutation audit event
// carrying a correlation id.
package admin

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/platformbuilds/acs-core/internal/graph"
	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/internal/ratelimit"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// auditRecorder is the slice of the audit sink the service needs.
type auditRecorder interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Service exposes the tenant-scoped administration surface: principal,
// hierarchy, role, resource and access-rule management plus rate-limit
// operations.
type Service struct {
	graph   *graph.Graph
	limiter *ratelimit.Limiter
	audit   auditRecorder
	logger  logger.Logger
	now     func() time.Time
}

// NewService builds the admin surface. limiter and audit may be nil when
// the respective feature is not wired (tests, embedded use).
func NewService(g *graph.Graph, limiter *ratelimit.Limiter, audit auditRecorder, log logger.Logger) *Service {
	return &Service{
		graph:   g,
		limiter: limiter,
		audit:   audit,
		logger:  log,
		now:     time.Now,
	}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateUser registers a principal. Email is unique per tenant,
// case-insensitive.
func (s *Service) CreateUser(ctx context.Context, tenantID, email, actor string) (*models.User, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("create_user", tenantID, err)
	}
	if err := models.ValidateEmail(email); err != nil {
		return nil, s.fail("create_user", tenantID, err)
	}

	user, err := s.graph.CreateUser(tenantID, email, actor)
	if err != nil {
		return nil, s.fail("create_user", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "create_user", "user", strconv.FormatInt(user.ID, 10), map[string]interface{}{
		"email": user.Email,
	})
	return user, nil
}

// CreateGroup registers a group. Name is unique per tenant.
func (s *Service) CreateGroup(ctx context.Context, tenantID, name, actor string) (*models.Group, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("create_group", tenantID, err)
	}
	if err := models.ValidateName("name", name); err != nil {
		return nil, s.fail("create_group", tenantID, err)
	}

	group, err := s.graph.CreateGroup(tenantID, name, actor)
	if err != nil {
		return nil, s.fail("create_group", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "create_group", "group", strconv.FormatInt(group.ID, 10), map[string]interface{}{
		"name": group.Name,
	})
	return group, nil
}

// CreateRole registers a role. Name is unique per tenant.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, actor string) (*models.Role, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("create_role", tenantID, err)
	}
	if err := models.ValidateName("name", name); err != nil {
		return nil, s.fail("create_role", tenantID, err)
	}

	role, err := s.graph.CreateRole(tenantID, name, actor)
	if err != nil {
		return nil, s.fail("create_role", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "create_role", "role", strconv.FormatInt(role.ID, 10), map[string]interface{}{
		"name": role.Name,
	})
	return role, nil
}

// CreateResource registers a URI pattern. The pattern compiles before
// anything is stored; a duplicate pattern is a Conflict.
func (s *Service) CreateResource(ctx context.Context, tenantID, pattern, actor string) (*models.Resource, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("create_resource", tenantID, err)
	}

	resource, err := s.graph.CreateResource(tenantID, pattern, actor)
	if err != nil {
		return nil, s.fail("create_resource", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "create_resource", "resource", strconv.FormatInt(resource.ID, 10), map[string]interface{}{
		"pattern": resource.URIPattern,
	})
	return resource, nil
}

// RegisterVerb adds a verb to the tenant registry. Names are
// case-insensitive and stored upper-cased.
func (s *Service) RegisterVerb(ctx context.Context, tenantID, name, actor string) (*models.Verb, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("register_verb", tenantID, err)
	}

	verb, err := s.graph.RegisterVerb(tenantID, name)
	if err != nil {
		return nil, s.fail("register_verb", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "register_verb", "verb", strconv.FormatInt(verb.ID, 10), map[string]interface{}{
		"name": verb.Name,
	})
	return verb, nil
}

// DeleteUser removes a principal. A user still in groups or holding roles
// or access rules is a Conflict.
func (s *Service) DeleteUser(ctx context.Context, tenantID string, userID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("delete_user", tenantID, err)
	}
	if err := s.graph.DeleteUser(tenantID, userID); err != nil {
		return s.fail("delete_user", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "delete_user", "user", strconv.FormatInt(userID, 10), nil)
	return nil
}

// DeleteGroup removes a group with no members, hierarchy links, roles or
// access rules.
func (s *Service) DeleteGroup(ctx context.Context, tenantID string, groupID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("delete_group", tenantID, err)
	}
	if err := s.graph.DeleteGroup(tenantID, groupID); err != nil {
		return s.fail("delete_group", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "delete_group", "group", strconv.FormatInt(groupID, 10), nil)
	return nil
}

// DeleteRole removes an unassigned role without access rules.
func (s *Service) DeleteRole(ctx context.Context, tenantID string, roleID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("delete_role", tenantID, err)
	}
	if err := s.graph.DeleteRole(tenantID, roleID); err != nil {
		return s.fail("delete_role", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "delete_role", "role", strconv.FormatInt(roleID, 10), nil)
	return nil
}

// DeleteResource removes a resource no access rule references.
func (s *Service) DeleteResource(ctx context.Context, tenantID string, resourceID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("delete_resource", tenantID, err)
	}
	if err := s.graph.DeleteResource(tenantID, resourceID); err != nil {
		return s.fail("delete_resource", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "delete_resource", "resource", strconv.FormatInt(resourceID, 10), nil)
	return nil
}

// AddUserToGroup joins a user to a group. Adding an existing member is a
// no-op and emits no audit event.
func (s *Service) AddUserToGroup(ctx context.Context, tenantID string, userID, groupID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("add_user_to_group", tenantID, err)
	}
	added, err := s.graph.AddUserToGroup(tenantID, userID, groupID)
	if err != nil {
		return s.fail("add_user_to_group", tenantID, err)
	}
	if added {
		s.record(ctx, tenantID, actor, "add_user_to_group", "group", strconv.FormatInt(groupID, 10), map[string]interface{}{
			"user_id": userID,
		})
	}
	return nil
}

// RemoveUserFromGroup removes a membership. Removing a non-member is a
// Conflict.
func (s *Service) RemoveUserFromGroup(ctx context.Context, tenantID string, userID, groupID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("remove_user_from_group", tenantID, err)
	}
	if err := s.graph.RemoveUserFromGroup(tenantID, userID, groupID); err != nil {
		return s.fail("remove_user_from_group", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "remove_user_from_group", "group", strconv.FormatInt(groupID, 10), map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// LinkGroups makes parent contain child. Self-links and links that would
// close a cycle are Validation errors; a duplicate link is a no-op.
func (s *Service) LinkGroups(ctx context.Context, tenantID string, parentID, childID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("link_groups", tenantID, err)
	}
	added, err := s.graph.LinkGroups(tenantID, parentID, childID)
	if err != nil {
		return s.fail("link_groups", tenantID, err)
	}
	if added {
		s.record(ctx, tenantID, actor, "link_groups", "group", strconv.FormatInt(parentID, 10), map[string]interface{}{
			"child_id": childID,
		})
	}
	return nil
}

// UnlinkGroups removes a hierarchy edge. Unlinking an absent edge is a
// Conflict.
func (s *Service) UnlinkGroups(ctx context.Context, tenantID string, parentID, childID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("unlink_groups", tenantID, err)
	}
	if err := s.graph.UnlinkGroups(tenantID, parentID, childID); err != nil {
		return s.fail("unlink_groups", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "unlink_groups", "group", strconv.FormatInt(parentID, 10), map[string]interface{}{
		"child_id": childID,
	})
	return nil
}

// AssignRoleToUser grants the role directly. Re-assigning is a no-op.
func (s *Service) AssignRoleToUser(ctx context.Context, tenantID string, roleID, userID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("assign_role_to_user", tenantID, err)
	}
	added, err := s.graph.AssignRoleToUser(tenantID, roleID, userID)
	if err != nil {
		return s.fail("assign_role_to_user", tenantID, err)
	}
	if added {
		s.record(ctx, tenantID, actor, "assign_role_to_user", "role", strconv.FormatInt(roleID, 10), map[string]interface{}{
			"user_id": userID,
		})
	}
	return nil
}

// RemoveRoleFromUser revokes a direct assignment.
func (s *Service) RemoveRoleFromUser(ctx context.Context, tenantID string, roleID, userID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("remove_role_from_user", tenantID, err)
	}
	if err := s.graph.RemoveRoleFromUser(tenantID, roleID, userID); err != nil {
		return s.fail("remove_role_from_user", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "remove_role_from_user", "role", strconv.FormatInt(roleID, 10), map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// AssignRoleToGroup grants the role to every member, transitively.
func (s *Service) AssignRoleToGroup(ctx context.Context, tenantID string, roleID, groupID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("assign_role_to_group", tenantID, err)
	}
	added, err := s.graph.AssignRoleToGroup(tenantID, roleID, groupID)
	if err != nil {
		return s.fail("assign_role_to_group", tenantID, err)
	}
	if added {
		s.record(ctx, tenantID, actor, "assign_role_to_group", "role", strconv.FormatInt(roleID, 10), map[string]interface{}{
			"group_id": groupID,
		})
	}
	return nil
}

// RemoveRoleFromGroup revokes a group assignment.
func (s *Service) RemoveRoleFromGroup(ctx context.Context, tenantID string, roleID, groupID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("remove_role_from_group", tenantID, err)
	}
	if err := s.graph.RemoveRoleFromGroup(tenantID, roleID, groupID); err != nil {
		return s.fail("remove_role_from_group", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "remove_role_from_group", "role", strconv.FormatInt(roleID, 10), map[string]interface{}{
		"group_id": groupID,
	})
	return nil
}

// SetAccess upserts the grant-or-deny fact for (entity, resource, verb).
// A second call with the other effect replaces the row, so a single
// entity can never hold both effects for the same pair.
func (s *Service) SetAccess(ctx context.Context, tenantID string, entityID, resourceID, verbID int64, effect models.AccessEffect, actor string) (*models.URIAccess, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, s.fail("set_access", tenantID, err)
	}

	access, err := s.graph.SetAccess(tenantID, entityID, resourceID, verbID, effect, actor)
	if err != nil {
		return nil, s.fail("set_access", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "set_access", "uri_access", strconv.FormatInt(access.ID, 10), map[string]interface{}{
		"entity_id":   entityID,
		"resource_id": resourceID,
		"verb_id":     verbID,
		"effect":      string(effect),
	})
	return access, nil
}

// RemoveAccess deletes the access row for (entity, resource, verb).
func (s *Service) RemoveAccess(ctx context.Context, tenantID string, entityID, resourceID, verbID int64, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("remove_access", tenantID, err)
	}
	if err := s.graph.RemoveAccess(tenantID, entityID, resourceID, verbID); err != nil {
		return s.fail("remove_access", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "remove_access", "uri_access", "", map[string]interface{}{
		"entity_id":   entityID,
		"resource_id": resourceID,
		"verb_id":     verbID,
	})
	return nil
}

// SetUserActive flips a principal's active flag. Inactive principals are
// denied on every evaluation.
func (s *Service) SetUserActive(ctx context.Context, tenantID string, userID int64, active bool, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("set_user_active", tenantID, err)
	}
	if err := s.graph.SetUserActive(tenantID, userID, active); err != nil {
		return s.fail("set_user_active", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "set_user_active", "user", strconv.FormatInt(userID, 10), map[string]interface{}{
		"active": active,
	})
	return nil
}

// ResetRateLimit clears one rate-limit timeline so the subject starts a
// fresh window.
func (s *Service) ResetRateLimit(ctx context.Context, tenantID, id, actor string) error {
	if err := s.precheck(ctx, tenantID); err != nil {
		return s.fail("reset_rate_limit", tenantID, err)
	}
	if s.limiter == nil {
		return s.fail("reset_rate_limit", tenantID, models.NewValidationError("limiter", "rate limiting is not enabled"))
	}
	if err := s.limiter.Reset(ctx, tenantID, id); err != nil {
		return s.fail("reset_rate_limit", tenantID, err)
	}
	s.record(ctx, tenantID, actor, "reset_rate_limit", "ratelimit", id, nil)
	return nil
}

// RateLimitStatus reads one subject's current window without consuming
// budget.
func (s *Service) RateLimitStatus(ctx context.Context, tenantID, id string, policy models.RateLimitPolicy) (*models.RateLimitSnapshot, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, err
	}
	if s.limiter == nil {
		return nil, models.NewValidationError("limiter", "rate limiting is not enabled")
	}
	return s.limiter.Status(ctx, tenantID, id, policy), nil
}

// ActiveRateLimits lists the tenant's live rate-limit timelines for
// operator introspection.
func (s *Service) ActiveRateLimits(ctx context.Context, tenantID string) ([]*models.RateLimitEntry, error) {
	if err := s.precheck(ctx, tenantID); err != nil {
		return nil, err
	}
	if s.limiter == nil {
		return nil, models.NewValidationError("limiter", "rate limiting is not enabled")
	}
	return s.limiter.ListActive(ctx, tenantID)
}

func (s *Service) precheck(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return models.ValidateTenantID(tenantID)
}

// record emits the one admin-mutation audit event for a successful
// mutation, plus its metric.
func (s *Service) record(ctx context.Context, tenantID, actor, operation, entityType, entityID string, details map[string]interface{}) {
	monitoring.RecordAdminMutation(operation, tenantID, true)

	if s.audit == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["operation"] = operation
	if err := s.audit.Record(ctx, &models.AuditEvent{
		TenantID:      tenantID,
		When:          s.now(),
		Actor:         actor,
		Category:      models.AuditAdminMutation,
		EntityType:    entityType,
		EntityID:      entityID,
		Severity:      models.AuditSeverityWarning,
		CorrelationID: uuid.NewString(),
		Details:       details,
	}); err != nil {
		s.logger.Warn("admin mutation audit write failed",
			"tenant_id", tenantID,
			"operation", operation,
			"error", err,
		)
	}
}

// fail counts the rejected mutation and passes the error through.
func (s *Service) fail(operation, tenantID string, err error) error {
	monitoring.RecordAdminMutation(operation, tenantID, false)
	return err
}
