package authz

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/monitoring"
)

const (
	defaultCacheTTL  = 10 * time.Second
	defaultCacheSize = 4096
)

// decisionCache memoizes evaluations behind an expirable LRU. The tenant
// generation is part of the key, so any mutation makes every cached
// decision for that tenant unreachable; the short TTL then ages the
// orphaned entries out.
type decisionCache struct {
	lru *expirable.LRU[string, *models.AccessDecision]
}

func newDecisionCache(size int, ttl time.Duration) *decisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &decisionCache{
		lru: expirable.NewLRU[string, *models.AccessDecision](size, nil, ttl),
	}
}

func decisionKey(generation uint64, tenantID string, principalID int64, verb, uri string) string {
	return fmt.Sprintf("%d|%s|%d|%s|%s", generation, tenantID, principalID, verb, uri)
}

// get returns a copy of the cached decision so callers can never mutate
// the memoized value.
func (c *decisionCache) get(key string) (*models.AccessDecision, bool) {
	cached, ok := c.lru.Get(key)
	if !ok {
		monitoring.RecordCacheOperation("decision_get", "miss")
		return nil, false
	}
	monitoring.RecordCacheOperation("decision_get", "hit")

	cp := *cached
	cp.Reasons = append([]models.DecisionReason(nil), cached.Reasons...)
	cp.FromCache = true
	return &cp, true
}

func (c *decisionCache) add(key string, decision *models.AccessDecision) {
	cp := *decision
	cp.Reasons = append([]models.DecisionReason(nil), decision.Reasons...)
	c.lru.Add(key, &cp)
	monitoring.RecordCacheOperation("decision_set", "success")
}
