// Package graph holds the in-memory permission model: users, groups,
// roles, resources, verbs, permission schemes and grant/deny rows for
// every tenant. Nodes live in per-tenant arenas keyed by stable int64 ids;
// edges are adjacency sets of id pairs. Nothing holds an owning reference
// to another node, so there are no cyclic object graphs to tear.
//
// Reads take the tenant's RLock; mutations take the write lock, so writes
// to one tenant are serialized while other tenants proceed independently.
// Every mutation bumps the tenant's generation counter, which the
// evaluator's decision cache keys on for invalidation.
package graph

import (
	"strings"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
)

// Graph is the arena of all tenants' permission state.
type Graph struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
	now     func() time.Time
}

// tenantState is one tenant's arena. All maps are owned exclusively by the
// graph; reads hand out copies.
type tenantState struct {
	mu         sync.RWMutex
	generation uint64
	nextID     int64

	users     map[int64]*models.User
	groups    map[int64]*models.Group
	roles     map[int64]*models.Role
	resources map[int64]*models.Resource
	verbs     map[int64]*models.Verb
	entities  map[int64]*models.Entity
	schemes   map[int64]*models.PermissionScheme

	// Uniqueness indexes; email and verb keys are lower/upper-cased.
	usersByEmail       map[string]int64
	groupsByName       map[string]int64
	rolesByName        map[string]int64
	resourcesByPattern map[string]int64
	verbsByName        map[string]int64

	compiled map[int64]*compiledPattern // resourceID -> pattern

	// Memberships, both directions.
	userGroups map[int64]map[int64]struct{} // userID -> groupIDs
	groupUsers map[int64]map[int64]struct{} // groupID -> userIDs
	userRoles  map[int64]map[int64]struct{} // userID -> roleIDs
	groupRoles map[int64]map[int64]struct{} // groupID -> roleIDs
	roleUsers  map[int64]map[int64]struct{} // roleID -> userIDs
	roleGroups map[int64]map[int64]struct{} // roleID -> groupIDs

	// Group hierarchy (DAG), both directions.
	parents  map[int64]map[int64]struct{} // childID -> parentIDs
	children map[int64]map[int64]struct{} // parentID -> childIDs

	entityScheme   map[int64]int64                      // entityID -> schemeID
	schemeEntity   map[int64]int64                      // schemeID -> entityID
	schemeAccesses map[int64]map[int64]*models.URIAccess // schemeID -> accessID -> row
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{
		tenants: make(map[string]*tenantState),
		now:     time.Now,
	}
}

// WithClock overrides node timestamping for tests.
func (g *Graph) WithClock(now func() time.Time) *Graph {
	g.now = now
	return g
}

func newTenantState() *tenantState {
	return &tenantState{
		users:              make(map[int64]*models.User),
		groups:             make(map[int64]*models.Group),
		roles:              make(map[int64]*models.Role),
		resources:          make(map[int64]*models.Resource),
		verbs:              make(map[int64]*models.Verb),
		entities:           make(map[int64]*models.Entity),
		schemes:            make(map[int64]*models.PermissionScheme),
		usersByEmail:       make(map[string]int64),
		groupsByName:       make(map[string]int64),
		rolesByName:        make(map[string]int64),
		resourcesByPattern: make(map[string]int64),
		verbsByName:        make(map[string]int64),
		compiled:           make(map[int64]*compiledPattern),
		userGroups:         make(map[int64]map[int64]struct{}),
		groupUsers:         make(map[int64]map[int64]struct{}),
		userRoles:          make(map[int64]map[int64]struct{}),
		groupRoles:         make(map[int64]map[int64]struct{}),
		roleUsers:          make(map[int64]map[int64]struct{}),
		roleGroups:         make(map[int64]map[int64]struct{}),
		parents:            make(map[int64]map[int64]struct{}),
		children:           make(map[int64]map[int64]struct{}),
		entityScheme:       make(map[int64]int64),
		schemeEntity:       make(map[int64]int64),
		schemeAccesses:     make(map[int64]map[int64]*models.URIAccess),
	}
}

// tenant returns the tenant arena, creating it on first touch.
func (g *Graph) tenant(tenantID string) *tenantState {
	g.mu.RLock()
	ts, ok := g.tenants[tenantID]
	g.mu.RUnlock()
	if ok {
		return ts
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ts, ok = g.tenants[tenantID]; ok {
		return ts
	}
	ts = newTenantState()
	g.tenants[tenantID] = ts
	return ts
}

// peek returns the tenant arena without creating it.
func (g *Graph) peek(tenantID string) (*tenantState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ts, ok := g.tenants[tenantID]
	return ts, ok
}

// Generation returns the tenant's mutation counter. Tenants never touched
// report zero.
func (g *Graph) Generation(tenantID string) uint64 {
	ts, ok := g.peek(tenantID)
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.generation
}

// Tenants lists every tenant with graph state.
func (g *Graph) Tenants() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.tenants))
	for tenant := range g.tenants {
		out = append(out, tenant)
	}
	return out
}

// allocID hands out the next node id. Caller holds the tenant write lock.
func (ts *tenantState) allocID() int64 {
	ts.nextID++
	return ts.nextID
}

// bump marks a completed mutation. Caller holds the tenant write lock.
func (ts *tenantState) bump() {
	ts.generation++
}

func addEdge(m map[int64]map[int64]struct{}, from, to int64) bool {
	set, ok := m[from]
	if !ok {
		set = make(map[int64]struct{})
		m[from] = set
	}
	if _, exists := set[to]; exists {
		return false
	}
	set[to] = struct{}{}
	return true
}

func removeEdge(m map[int64]map[int64]struct{}, from, to int64) bool {
	set, ok := m[from]
	if !ok {
		return false
	}
	if _, exists := set[to]; !exists {
		return false
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
	return true
}

func emailKey(email string) string { return strings.ToLower(email) }
func verbKey(name string) string   { return strings.ToUpper(name) }
