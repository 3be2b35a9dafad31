package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/ratelimit/store"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

func benchPolicy() models.RateLimitPolicy {
	return models.RateLimitPolicy{Name: "bench", RequestLimit: 1 << 30, Window: time.Minute}
}

func BenchmarkLimiter_CheckSingleKey(b *testing.B) {
	limiter := NewLimiter(store.NewMemoryStore(logger.NewNop()), logger.NewNop())
	ctx := context.Background()
	policy := benchPolicy()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Check(ctx, "bench-tenant", "user:1", policy)
	}
}

func BenchmarkLimiter_CheckSpreadKeys(b *testing.B) {
	limiter := NewLimiter(store.NewMemoryStore(logger.NewNop()), logger.NewNop())
	ctx := context.Background()
	policy := benchPolicy()

	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("user:%d", i)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Check(ctx, "bench-tenant", keys[i%len(keys)], policy)
	}
}

func BenchmarkLimiter_CheckParallel(b *testing.B) {
	limiter := NewLimiter(store.NewMemoryStore(logger.NewNop()), logger.NewNop())
	policy := benchPolicy()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		i := 0
		for pb.Next() {
			limiter.Check(ctx, "bench-tenant", fmt.Sprintf("user:%d", i%64), policy)
			i++
		}
	})
}
