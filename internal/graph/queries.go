package graph

import (
	"sort"
	"strconv"

	"github.com/platformbuilds/acs-core/internal/models"
)

// Reads. Every query takes the tenant's RLock and returns copies, so
// callers can never mutate arena state or observe a torn structure.

// EntityRef identifies one permission-owning entity in a principal's
// closure, with enough context to build a decision reason.
type EntityRef struct {
	EntityID int64
	Kind     models.EntityKind
	OwnerID  int64
}

// AccessBinding is one applicable grant-or-deny row joined with the
// entity that owns it and the resource it targets.
type AccessBinding struct {
	Access      models.URIAccess
	Entity      EntityRef
	Resource    models.Resource
	Specificity int
}

// GetUser returns the principal, or NotFound.
func (g *Graph) GetUser(tenantID string, userID int64) (*models.User, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	user, ok := ts.users[userID]
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	cp := *user
	return &cp, nil
}

// GetUserByEmail looks a principal up by its tenant-unique email.
func (g *Graph) GetUserByEmail(tenantID, email string) (*models.User, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("user", email)
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	id, ok := ts.usersByEmail[emailKey(email)]
	if !ok {
		return nil, models.NewNotFoundError("user", email)
	}
	cp := *ts.users[id]
	return &cp, nil
}

// GetGroup returns the group, or NotFound.
func (g *Graph) GetGroup(tenantID string, groupID int64) (*models.Group, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	group, ok := ts.groups[groupID]
	if !ok {
		return nil, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}
	cp := *group
	return &cp, nil
}

// GetRole returns the role, or NotFound.
func (g *Graph) GetRole(tenantID string, roleID int64) (*models.Role, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("role", strconv.FormatInt(roleID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	role, ok := ts.roles[roleID]
	if !ok {
		return nil, models.NewNotFoundError("role", strconv.FormatInt(roleID, 10))
	}
	cp := *role
	return &cp, nil
}

// GetResource returns the resource, or NotFound.
func (g *Graph) GetResource(tenantID string, resourceID int64) (*models.Resource, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("resource", strconv.FormatInt(resourceID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	resource, ok := ts.resources[resourceID]
	if !ok {
		return nil, models.NewNotFoundError("resource", strconv.FormatInt(resourceID, 10))
	}
	cp := *resource
	return &cp, nil
}

// GetVerbByName resolves a verb name (case-insensitive) in the tenant
// registry.
func (g *Graph) GetVerbByName(tenantID, name string) (*models.Verb, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("verb", name)
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	id, ok := ts.verbsByName[verbKey(name)]
	if !ok {
		return nil, models.NewNotFoundError("verb", name)
	}
	cp := *ts.verbs[id]
	return &cp, nil
}

// UsersInGroup lists member user ids, directly or through child groups.
// A parent group transitively contains the members of its children.
func (g *Graph) UsersInGroup(tenantID string, groupID int64, mode models.MembershipMode) ([]int64, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if _, ok := ts.groups[groupID]; !ok {
		return nil, models.NewNotFoundError("group", strconv.FormatInt(groupID, 10))
	}

	groups := map[int64]struct{}{groupID: {}}
	if mode == models.MembershipTransitive {
		collectReachable(ts.children, groupID, groups)
	}

	users := make(map[int64]struct{})
	for gid := range groups {
		for uid := range ts.groupUsers[gid] {
			users[uid] = struct{}{}
		}
	}
	return sortedIDs(users), nil
}

// GroupsForUser lists the user's groups; transitive mode walks parent
// edges so membership in a child implies membership in its ancestors.
func (g *Graph) GroupsForUser(tenantID string, userID int64, mode models.MembershipMode) ([]int64, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if _, ok := ts.users[userID]; !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	return sortedIDs(ts.groupClosure(userID, mode)), nil
}

// RolesForUser resolves roles per the requested mode: direct assignments,
// roles inherited through (transitive) group membership, or their union.
func (g *Graph) RolesForUser(tenantID string, userID int64, mode models.RoleResolution) ([]int64, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if _, ok := ts.users[userID]; !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}

	roles := make(map[int64]struct{})
	if mode == models.RolesDirect || mode == models.RolesEffective {
		for rid := range ts.userRoles[userID] {
			roles[rid] = struct{}{}
		}
	}
	if mode == models.RolesInherited || mode == models.RolesEffective {
		for gid := range ts.groupClosure(userID, models.MembershipTransitive) {
			for rid := range ts.groupRoles[gid] {
				roles[rid] = struct{}{}
			}
		}
	}
	return sortedIDs(roles), nil
}

// ResourcesMatching returns every resource whose pattern matches the URI.
// Linear in the tenant's resource count; results are ordered most specific
// first.
func (g *Graph) ResourcesMatching(tenantID, uri string) []models.Resource {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	type hit struct {
		resource    models.Resource
		specificity int
	}
	var hits []hit
	for id, cp := range ts.compiled {
		if cp.match(uri) {
			hits = append(hits, hit{resource: *ts.resources[id], specificity: cp.specificity()})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].specificity != hits[j].specificity {
			return hits[i].specificity > hits[j].specificity
		}
		return hits[i].resource.ID < hits[j].resource.ID
	})

	out := make([]models.Resource, len(hits))
	for i, h := range hits {
		out[i] = h.resource
	}
	return out
}

// IsAncestor reports whether ancestorID is reachable from descendantID by
// parent edges.
func (g *Graph) IsAncestor(tenantID string, ancestorID, descendantID int64) bool {
	ts, ok := g.peek(tenantID)
	if !ok {
		return false
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.isAncestor(ancestorID, descendantID)
}

// EntitiesForPrincipal resolves the user's entity closure: the user's own
// entity, the entities of all transitively joined groups, and the entities
// of all effective roles.
func (g *Graph) EntitiesForPrincipal(tenantID string, userID int64) ([]EntityRef, error) {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	user, ok := ts.users[userID]
	if !ok {
		return nil, models.NewNotFoundError("user", strconv.FormatInt(userID, 10))
	}

	refs := []EntityRef{{EntityID: user.EntityID, Kind: models.EntityKindUser, OwnerID: userID}}

	groups := ts.groupClosure(userID, models.MembershipTransitive)
	for gid := range groups {
		refs = append(refs, EntityRef{EntityID: ts.groups[gid].EntityID, Kind: models.EntityKindGroup, OwnerID: gid})
	}

	roles := make(map[int64]struct{})
	for rid := range ts.userRoles[userID] {
		roles[rid] = struct{}{}
	}
	for gid := range groups {
		for rid := range ts.groupRoles[gid] {
			roles[rid] = struct{}{}
		}
	}
	for rid := range roles {
		refs = append(refs, EntityRef{EntityID: ts.roles[rid].EntityID, Kind: models.EntityKindRole, OwnerID: rid})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].EntityID < refs[j].EntityID })
	return refs, nil
}

// AccessBindings joins the applicable access rows for the given entities,
// verb and resources, ordered most specific pattern first.
func (g *Graph) AccessBindings(tenantID string, entities []EntityRef, verbID int64, resources []models.Resource) []AccessBinding {
	ts, ok := g.peek(tenantID)
	if !ok {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	resourceSet := make(map[int64]models.Resource, len(resources))
	for _, r := range resources {
		resourceSet[r.ID] = r
	}

	var bindings []AccessBinding
	for _, ref := range entities {
		schemeID, ok := ts.entityScheme[ref.EntityID]
		if !ok {
			continue
		}
		for _, row := range ts.schemeAccesses[schemeID] {
			if row.VerbID != verbID {
				continue
			}
			resource, ok := resourceSet[row.ResourceID]
			if !ok {
				continue
			}
			spec := 0
			if cp, ok := ts.compiled[row.ResourceID]; ok {
				spec = cp.specificity()
			}
			bindings = append(bindings, AccessBinding{
				Access:      *row,
				Entity:      ref,
				Resource:    resource,
				Specificity: spec,
			})
		}
	}

	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Specificity != bindings[j].Specificity {
			return bindings[i].Specificity > bindings[j].Specificity
		}
		return bindings[i].Access.ID < bindings[j].Access.ID
	})
	return bindings
}

// groupClosure collects the user's group ids; transitive mode includes all
// ancestors of directly joined groups. Caller holds the tenant lock.
func (ts *tenantState) groupClosure(userID int64, mode models.MembershipMode) map[int64]struct{} {
	groups := make(map[int64]struct{})
	for gid := range ts.userGroups[userID] {
		groups[gid] = struct{}{}
		if mode == models.MembershipTransitive {
			collectReachable(ts.parents, gid, groups)
		}
	}
	return groups
}

// collectReachable adds everything reachable from start along edges to
// out. The hierarchy is a DAG so plain DFS terminates.
func collectReachable(edges map[int64]map[int64]struct{}, start int64, out map[int64]struct{}) {
	stack := []int64{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range edges[cur] {
			if _, ok := out[next]; ok {
				continue
			}
			out[next] = struct{}{}
			stack = append(stack, next)
		}
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
