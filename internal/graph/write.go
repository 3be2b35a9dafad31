package graph

import (
	"fmt"
	"strconv"

	"github.com/platformbuilds/acs-core/internal/models"
)

// Mutations. All of them are consumed by the admin service only; each
// acquires the tenant write lock so concurrent readers never observe a
// torn structure, and bumps the generation counter on success.

// CreateUser adds a principal. Email is unique per tenant.
func (g *Graph) CreateUser(tenantID, email, actor string) (*models.User, error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.usersByEmail[emailKey(email)]; exists {
		return nil, models.NewConflictError("user", fmt.Sprintf("email %q already exists in tenant", email))
	}

	now := g.now()
	user := &models.User{
		ID:        ts.allocID(),
		TenantID:  tenantID,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actor,
	}
	entity := &models.Entity{
		ID:       ts.allocID(),
		TenantID: tenantID,
		Kind:     models.EntityKindUser,
		OwnerID:  user.ID,
	}
	user.EntityID = entity.ID

	ts.users[user.ID] = user
	ts.entities[entity.ID] = entity
	ts.usersByEmail[emailKey(email)] = user.ID
	ts.bump()

	cp := *user
	return &cp, nil
}

// CreateGroup adds a group. Name is unique per tenant.
func (g *Graph) CreateGroup(tenantID, name, actor string) (*models.Group, error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.groupsByName[name]; exists {
		return nil, models.NewConflictError("group", fmt.Sprintf("name %q already exists in tenant", name))
	}

	now := g.now()
	group := &models.Group{
		ID:        ts.allocID(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actor,
	}
	entity := &models.Entity{
		ID:       ts.allocID(),
		TenantID: tenantID,
		Kind:     models.EntityKindGroup,
		OwnerID:  group.ID,
	}
	group.EntityID = entity.ID

	ts.groups[group.ID] = group
	ts.entities[entity.ID] = entity
	ts.groupsByName[name] = group.ID
	ts.bump()

	cp := *group
	return &cp, nil
}

// CreateRole adds a role. Name is unique per tenant.
func (g *Graph) CreateRole(tenantID, name, actor string) (*models.Role, error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.rolesByName[name]; exists {
		return nil, models.NewConflictError("role", fmt.Sprintf("name %q already exists in tenant", name))
	}

	now := g.now()
	role := &models.Role{
		ID:        ts.allocID(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actor,
	}
	entity := &models.Entity{
		ID:       ts.allocID(),
		TenantID: tenantID,
		Kind:     models.EntityKindRole,
		OwnerID:  role.ID,
	}
	role.EntityID = entity.ID

	ts.roles[role.ID] = role
	ts.entities[entity.ID] = entity
	ts.rolesByName[name] = role.ID
	ts.bump()

	cp := *role
	return &cp, nil
}

// CreateResource adds a resource, compiling its pattern once. Two
// resources in a tenant never share an identical pattern.
func (g *Graph) CreateResource(tenantID, pattern, actor string) (*models.Resource, error) {
	compiled, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.resourcesByPattern[pattern]; exists {
		return nil, models.NewConflictError("resource", fmt.Sprintf("pattern %q already exists in tenant", pattern))
	}

	now := g.now()
	resource := &models.Resource{
		ID:         ts.allocID(),
		TenantID:   tenantID,
		URIPattern: pattern,
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  actor,
	}

	ts.resources[resource.ID] = resource
	ts.resourcesByPattern[pattern] = resource.ID
	ts.compiled[resource.ID] = compiled
	ts.bump()

	cp := *resource
	return &cp, nil
}

// RegisterVerb adds a verb to the tenant registry, stored upper-case.
func (g *Graph) RegisterVerb(tenantID, name string) (*models.Verb, error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	key := verbKey(name)
	if _, exists := ts.verbsByName[key]; exists {
		return nil, models.NewConflictError("verb", fmt.Sprintf("verb %q already registered in tenant", key))
	}

	verb := &models.Verb{
		ID:       ts.allocID(),
		TenantID: tenantID,
		Name:     key,
	}
	ts.verbs[verb.ID] = verb
	ts.verbsByName[key] = verb.ID
	ts.bump()

	cp := *verb
	return &cp, nil
}

// DeleteUser removes an unreferenced principal. Users still in groups or
// roles, or whose entity still owns accesses, are rejected with Conflict;
// callers detach first.
func (g *Graph) DeleteUser(tenantID string, userID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	user, ok := ts.users[userID]
	if !ok {
		return models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	if len(ts.userGroups[userID]) > 0 || len(ts.userRoles[userID]) > 0 {
		return models.NewConflictError("user", "still a member of groups or roles")
	}
	if ts.entityReferenced(user.EntityID) {
		return models.NewConflictError("user", "entity still owns permission accesses")
	}

	delete(ts.users, userID)
	delete(ts.usersByEmail, emailKey(user.Email))
	ts.purgeScheme(user.EntityID)
	delete(ts.entities, user.EntityID)
	ts.bump()
	return nil
}

// DeleteGroup removes an unreferenced group.
func (g *Graph) DeleteGroup(tenantID string, groupID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	group, ok := ts.groups[groupID]
	if !ok {
		return models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}
	if len(ts.groupUsers[groupID]) > 0 || len(ts.groupRoles[groupID]) > 0 {
		return models.NewConflictError("group", "still has members or roles")
	}
	if len(ts.parents[groupID]) > 0 || len(ts.children[groupID]) > 0 {
		return models.NewConflictError("group", "still linked in the hierarchy")
	}
	if ts.entityReferenced(group.EntityID) {
		return models.NewConflictError("group", "entity still owns permission accesses")
	}

	delete(ts.groups, groupID)
	delete(ts.groupsByName, group.Name)
	ts.purgeScheme(group.EntityID)
	delete(ts.entities, group.EntityID)
	ts.bump()
	return nil
}

// DeleteRole removes an unreferenced role.
func (g *Graph) DeleteRole(tenantID string, roleID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	role, ok := ts.roles[roleID]
	if !ok {
		return models.NewNotFoundError("role", strconv.FormatInt(roleID, 10))
	}
	if len(ts.roleUsers[roleID]) > 0 || len(ts.roleGroups[roleID]) > 0 {
		return models.NewConflictError("role", "still assigned to users or groups")
	}
	if ts.entityReferenced(role.EntityID) {
		return models.NewConflictError("role", "entity still owns permission accesses")
	}

	delete(ts.roles, roleID)
	delete(ts.rolesByName, role.Name)
	ts.purgeScheme(role.EntityID)
	delete(ts.entities, role.EntityID)
	ts.bump()
	return nil
}

// DeleteResource removes a resource not referenced by any access row.
func (g *Graph) DeleteResource(tenantID string, resourceID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	resource, ok := ts.resources[resourceID]
	if !ok {
		return models.NewNotFoundError("resource", strconv.FormatInt(resourceID, 10))
	}
	for _, accesses := range ts.schemeAccesses {
		for _, row := range accesses {
			if row.ResourceID == resourceID {
				return models.NewConflictError("resource", "still referenced by permission accesses")
			}
		}
	}

	delete(ts.resources, resourceID)
	delete(ts.resourcesByPattern, resource.URIPattern)
	delete(ts.compiled, resourceID)
	ts.bump()
	return nil
}

// AddUserToGroup is idempotent: adding an existing member changes nothing
// and reports added=false.
func (g *Graph) AddUserToGroup(tenantID string, userID, groupID int64) (added bool, err error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.users[userID]; !ok {
		return false, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	if _, ok := ts.groups[groupID]; !ok {
		return false, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}

	if !addEdge(ts.userGroups, userID, groupID) {
		return false, nil
	}
	addEdge(ts.groupUsers, groupID, userID)
	ts.bump()
	return true, nil
}

// RemoveUserFromGroup rejects removing a non-member with Conflict.
func (g *Graph) RemoveUserFromGroup(tenantID string, userID, groupID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.users[userID]; !ok {
		return models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	if _, ok := ts.groups[groupID]; !ok {
		return models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}
	if !removeEdge(ts.userGroups, userID, groupID) {
		return models.NewConflictError("membership", "user is not a member of the group")
	}
	removeEdge(ts.groupUsers, groupID, userID)
	ts.bump()
	return nil
}

// LinkGroups adds a parent -> child hierarchy edge. Self-links and edges
// that would close a cycle are rejected; duplicate links are idempotent.
func (g *Graph) LinkGroups(tenantID string, parentID, childID int64) (added bool, err error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if parentID == childID {
		return false, models.NewValidationError("hierarchy", "group cannot be its own parent")
	}
	if _, ok := ts.groups[parentID]; !ok {
		return false, models.NewNotFoundError("group", strconv.FormatInt(parentID, 10))
	}
	if _, ok := ts.groups[childID]; !ok {
		return false, models.NewNotFoundError("group", strconv.FormatInt(childID, 10))
	}
	if ts.isAncestor(childID, parentID) {
		return false, models.NewValidationError("hierarchy", "link would create a cycle")
	}

	if !addEdge(ts.children, parentID, childID) {
		return false, nil
	}
	addEdge(ts.parents, childID, parentID)
	ts.bump()
	return true, nil
}

// UnlinkGroups removes a hierarchy edge.
func (g *Graph) UnlinkGroups(tenantID string, parentID, childID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !removeEdge(ts.children, parentID, childID) {
		return models.NewConflictError("hierarchy", "groups are not linked")
	}
	removeEdge(ts.parents, childID, parentID)
	ts.bump()
	return nil
}

// AssignRoleToUser is idempotent.
func (g *Graph) AssignRoleToUser(tenantID string, roleID, userID int64) (added bool, err error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.roles[roleID]; !ok {
		return false, models.NewNotFoundError("role", strconv.FormatInt(roleID, 10))
	}
	if _, ok := ts.users[userID]; !ok {
		return false, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}

	if !addEdge(ts.userRoles, userID, roleID) {
		return false, nil
	}
	addEdge(ts.roleUsers, roleID, userID)
	ts.bump()
	return true, nil
}

// RemoveRoleFromUser rejects removing an unassigned role with Conflict.
func (g *Graph) RemoveRoleFromUser(tenantID string, roleID, userID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !removeEdge(ts.userRoles, userID, roleID) {
		return models.NewConflictError("assignment", "role is not assigned to the user")
	}
	removeEdge(ts.roleUsers, roleID, userID)
	ts.bump()
	return nil
}

// AssignRoleToGroup is idempotent.
func (g *Graph) AssignRoleToGroup(tenantID string, roleID, groupID int64) (added bool, err error) {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.roles[roleID]; !ok {
		return false, models.NewNotFoundError("role", strconv.FormatInt(roleID, 10))
	}
	if _, ok := ts.groups[groupID]; !ok {
		return false, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}

	if !addEdge(ts.groupRoles, groupID, roleID) {
		return false, nil
	}
	addEdge(ts.roleGroups, roleID, groupID)
	ts.bump()
	return true, nil
}

// RemoveRoleFromGroup rejects removing an unassigned role with Conflict.
func (g *Graph) RemoveRoleFromGroup(tenantID string, roleID, groupID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !removeEdge(ts.groupRoles, groupID, roleID) {
		return models.NewConflictError("assignment", "role is not assigned to the group")
	}
	removeEdge(ts.roleGroups, roleID, groupID)
	ts.bump()
	return nil
}

// SetAccess upserts the grant-or-deny row for (entity, resource, verb).
// The entity's permission scheme is created lazily on first access.
func (g *Graph) SetAccess(tenantID string, entityID, resourceID, verbID int64, effect models.AccessEffect, actor string) (*models.URIAccess, error) {
	if effect != models.AccessGrant && effect != models.AccessDeny {
		return nil, models.NewValidationError("effect", "must be grant or deny")
	}

	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, ok := ts.entities[entityID]; !ok {
		return nil, models.NewNotFoundError("entity", strconv.FormatInt(entityID, 10))
	}
	if _, ok := ts.resources[resourceID]; !ok {
		return nil, models.NewNotFoundError("resource", strconv.FormatInt(resourceID, 10))
	}
	if _, ok := ts.verbs[verbID]; !ok {
		return nil, models.NewNotFoundError("verb", strconv.FormatInt(verbID, 10))
	}

	schemeID, ok := ts.entityScheme[entityID]
	if !ok {
		schemeID = ts.allocID()
		ts.schemes[schemeID] = &models.PermissionScheme{ID: schemeID, TenantID: tenantID, EntityID: entityID}
		ts.entityScheme[entityID] = schemeID
		ts.schemeEntity[schemeID] = entityID
		ts.schemeAccesses[schemeID] = make(map[int64]*models.URIAccess)
	}

	// Upsert: one row per (scheme, resource, verb).
	for id, row := range ts.schemeAccesses[schemeID] {
		if row.ResourceID == resourceID && row.VerbID == verbID {
			delete(ts.schemeAccesses[schemeID], id)
		}
	}

	access := &models.URIAccess{
		ID:         ts.allocID(),
		SchemeID:   schemeID,
		ResourceID: resourceID,
		VerbID:     verbID,
		Grant:      effect == models.AccessGrant,
		Deny:       effect == models.AccessDeny,
		CreatedAt:  g.now(),
		CreatedBy:  actor,
	}
	ts.schemeAccesses[schemeID][access.ID] = access
	ts.bump()

	cp := *access
	return &cp, nil
}

// RemoveAccess deletes the row for (entity, resource, verb).
func (g *Graph) RemoveAccess(tenantID string, entityID, resourceID, verbID int64) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	schemeID, ok := ts.entityScheme[entityID]
	if !ok {
		return models.NewConflictError("access", "entity has no permission scheme")
	}
	for id, row := range ts.schemeAccesses[schemeID] {
		if row.ResourceID == resourceID && row.VerbID == verbID {
			delete(ts.schemeAccesses[schemeID], id)
			ts.bump()
			return nil
		}
	}
	return models.NewConflictError("access", "no access row for entity, resource and verb")
}

// SetUserActive flips a principal's active flag.
func (g *Graph) SetUserActive(tenantID string, userID int64, active bool) error {
	ts := g.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	user, ok := ts.users[userID]
	if !ok {
		return models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	if user.Active == active {
		return nil
	}
	user.Active = active
	user.UpdatedAt = g.now()
	ts.bump()
	return nil
}

// purgeScheme drops an entity's permission scheme once it carries no
// rows, so deleting the entity leaves no orphaned scheme bookkeeping.
// Caller holds the tenant write lock and has already checked
// entityReferenced.
func (ts *tenantState) purgeScheme(entityID int64) {
	schemeID, ok := ts.entityScheme[entityID]
	if !ok {
		return
	}
	delete(ts.schemeAccesses, schemeID)
	delete(ts.schemeEntity, schemeID)
	delete(ts.schemes, schemeID)
	delete(ts.entityScheme, entityID)
}

// entityReferenced reports whether the entity's scheme still carries
// access rows. Caller holds the tenant lock.
func (ts *tenantState) entityReferenced(entityID int64) bool {
	schemeID, ok := ts.entityScheme[entityID]
	if !ok {
		return false
	}
	return len(ts.schemeAccesses[schemeID]) > 0
}

// isAncestor reports whether candidate is reachable from nodeID by
// following parent edges. Caller holds the tenant lock (read or write).
func (ts *tenantState) isAncestor(candidate, nodeID int64) bool {
	if candidate == nodeID {
		return false
	}
	seen := make(map[int64]struct{})
	stack := []int64{nodeID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for parent := range ts.parents[cur] {
			if parent == candidate {
				return true
			}
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			stack = append(stack, parent)
		}
	}
	return false
}
