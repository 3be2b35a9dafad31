package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platformbuilds/acs-core/internal/monitoring"
)

// ErrKeyNotFound distinguishes an absent key from a backend failure. The
// rate-limit store needs that distinction to decide between "empty entry"
// and "fail open".
var ErrKeyNotFound = errors.New("cache: key not found")

// ValkeyClient is the primitive surface the ACS stores run on: plain KV for
// rate-limit entries, a sorted set for the cleanup index, and capped lists
// for per-tenant audit trails.
type ValkeyClient interface {
	// Key/value
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Keyspace iteration
	ScanKeys(ctx context.Context, match string, limit int64) ([]string, error)

	// Sorted set (expiry index)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Capped list (per-tenant FIFO)
	RPushTrim(ctx context.Context, key string, cap int64, values ...interface{}) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// valkeyImpl backs ValkeyClient with a go-redis universal client, so the
// single-node and cluster constructors share one implementation.
type valkeyImpl struct {
	client  redis.UniversalClient
	backend string
	ttl     time.Duration
}

// NewValkeySingle connects to a single-node Valkey/Redis instance.
func NewValkeySingle(addr string, db int, password string, defaultTTL time.Duration) (ValkeyClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey single-node: %w", err)
	}

	return &valkeyImpl{client: client, backend: "valkey", ttl: defaultTTL}, nil
}

// NewValkeyCluster connects to a Valkey/Redis cluster.
func NewValkeyCluster(nodes []string, password string, defaultTTL time.Duration) (ValkeyClient, error) {
	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:        nodes,
		Password:     password,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey cluster: %w", err)
	}

	return &valkeyImpl{client: client, backend: "valkey-cluster", ttl: defaultTTL}, nil
}

func (v *valkeyImpl) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		monitoring.RecordCacheOperation("get", "miss")
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		monitoring.RecordCacheOperation("get", "error")
		return nil, err
	}

	monitoring.RecordCacheOperation("get", "hit")
	return b, nil
}

func (v *valkeyImpl) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return fmt.Errorf("marshal value for key %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = v.ttl
	}
	if err := v.client.Set(ctx, key, data, ttl).Err(); err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return err
	}
	monitoring.RecordCacheOperation("set", "success")
	return nil
}

func (v *valkeyImpl) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := v.client.Del(ctx, keys...).Err(); err != nil {
		monitoring.RecordCacheOperation("delete", "error")
		return err
	}
	monitoring.RecordCacheOperation("delete", "success")
	return nil
}

// ScanKeys iterates the keyspace with SCAN, never KEYS, so a large tenant
// cannot stall the backend. limit <= 0 means no cap.
func (v *valkeyImpl) ScanKeys(ctx context.Context, match string, limit int64) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := v.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			monitoring.RecordCacheOperation("scan", "error")
			return nil, err
		}
		keys = append(keys, batch...)
		if limit > 0 && int64(len(keys)) >= limit {
			keys = keys[:limit]
			break
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	monitoring.RecordCacheOperation("scan", "success")
	return keys, nil
}

func (v *valkeyImpl) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return v.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (v *valkeyImpl) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return v.client.ZRem(ctx, key, args...).Err()
}

func (v *valkeyImpl) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = limit
	}
	return v.client.ZRangeByScore(ctx, key, opt).Result()
}

func (v *valkeyImpl) ZCard(ctx context.Context, key string) (int64, error) {
	return v.client.ZCard(ctx, key).Result()
}

// RPushTrim appends and trims in one round trip so the list stays capped
// even under concurrent writers.
func (v *valkeyImpl) RPushTrim(ctx context.Context, key string, cap int64, values ...interface{}) error {
	if len(values) == 0 {
		return nil
	}
	encoded := make([]interface{}, len(values))
	for i, val := range values {
		data, err := encodeValue(val)
		if err != nil {
			return fmt.Errorf("marshal list value for key %s: %w", key, err)
		}
		encoded[i] = data
	}

	pipe := v.client.TxPipeline()
	pipe.RPush(ctx, key, encoded...)
	if cap > 0 {
		pipe.LTrim(ctx, key, -cap, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		monitoring.RecordCacheOperation("rpush", "error")
		return err
	}
	monitoring.RecordCacheOperation("rpush", "success")
	return nil
}

func (v *valkeyImpl) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return v.client.LRange(ctx, key, start, stop).Result()
}

func (v *valkeyImpl) LLen(ctx context.Context, key string) (int64, error) {
	return v.client.LLen(ctx, key).Result()
}

// HealthCheck pings the backend.
func (v *valkeyImpl) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = c
	}
	return v.client.Ping(ctx).Err()
}

func (v *valkeyImpl) Close() error {
	return v.client.Close()
}

func encodeValue(value interface{}) ([]byte, error) {
	switch x := value.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return json.Marshal(x)
	}
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
