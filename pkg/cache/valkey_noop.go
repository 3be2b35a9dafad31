package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platformbuilds/acs-core/pkg/logger"
)

// noopValkeyClient is an in-memory, process-local fallback satisfying
// ValkeyClient when the external backend is unavailable. Best-effort only:
// data is not shared across replicas and is lost on restart.
type noopValkeyClient struct {
	mu     sync.RWMutex
	kv     map[string]noopValue
	zsets  map[string]map[string]float64
	lists  map[string][][]byte
	logger logger.Logger
	now    func() time.Time
}

type noopValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func NewNoopValkeyClient(log logger.Logger) ValkeyClient {
	log.Warn("Valkey backend unavailable; using in-memory fallback")
	return &noopValkeyClient{
		kv:     make(map[string]noopValue),
		zsets:  make(map[string]map[string]float64),
		lists:  make(map[string][][]byte),
		logger: log,
		now:    time.Now,
	}
}

func (n *noopValkeyClient) Get(ctx context.Context, key string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.kv[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if !v.expiresAt.IsZero() && !v.expiresAt.After(n.now()) {
		delete(n.kv, key)
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v.data, nil
}

func (n *noopValkeyClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = n.now().Add(ttl)
	}
	n.mu.Lock()
	n.kv[key] = noopValue{data: data, expiresAt: expiresAt}
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyClient) Delete(ctx context.Context, keys ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		delete(n.kv, key)
		delete(n.zsets, key)
		delete(n.lists, key)
	}
	return nil
}

func (n *noopValkeyClient) ScanKeys(ctx context.Context, match string, limit int64) ([]string, error) {
	prefix := strings.TrimSuffix(match, "*")
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	var keys []string
	for key, v := range n.kv {
		if !v.expiresAt.IsZero() && !v.expiresAt.After(now) {
			delete(n.kv, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && int64(len(keys)) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (n *noopValkeyClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.zsets[key]
	if !ok {
		set = make(map[string]float64)
		n.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (n *noopValkeyClient) ZRem(ctx context.Context, key string, members ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (n *noopValkeyClient) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set, ok := n.zsets[key]
	if !ok {
		return nil, nil
	}
	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for member, score := range set {
		if score >= min && score <= max {
			hits = append(hits, scored{member, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].member < hits[j].member
		}
		return hits[i].score < hits[j].score
	})
	members := make([]string, 0, len(hits))
	for _, h := range hits {
		members = append(members, h.member)
		if limit > 0 && int64(len(members)) >= limit {
			break
		}
	}
	return members, nil
}

func (n *noopValkeyClient) ZCard(ctx context.Context, key string) (int64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return int64(len(n.zsets[key])), nil
}

func (n *noopValkeyClient) RPushTrim(ctx context.Context, key string, cap int64, values ...interface{}) error {
	encoded := make([][]byte, 0, len(values))
	for _, v := range values {
		data, err := encodeValue(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	list := append(n.lists[key], encoded...)
	if cap > 0 && int64(len(list)) > cap {
		list = list[int64(len(list))-cap:]
	}
	n.lists[key] = list
	return nil
}

func (n *noopValkeyClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	list := n.lists[key]
	length := int64(len(list))
	if length == 0 {
		return nil, nil
	}
	if start < 0 {
		start = length + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = length + stop
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for _, item := range list[start : stop+1] {
		out = append(out, string(item))
	}
	return out, nil
}

func (n *noopValkeyClient) LLen(ctx context.Context, key string) (int64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return int64(len(n.lists[key])), nil
}

func (n *noopValkeyClient) HealthCheck(ctx context.Context) error { return nil }

func (n *noopValkeyClient) Close() error { return nil }
