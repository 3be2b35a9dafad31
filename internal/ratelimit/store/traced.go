package store

import (
	"context"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/tracing"
)

// tracedStore decorates a Store with spans around the data operations.
// Stats and HealthCheck stay unspanned; the monitor polls them and the
// noise would drown the interesting traffic.
type tracedStore struct {
	inner   Store
	backend string
	tracer  *tracing.DecisionTracer
}

// WithTracing wraps the store so every data operation opens a span tagged
// with the backend name.
func WithTracing(inner Store, backend string, tracer *tracing.DecisionTracer) Store {
	if tracer == nil {
		return inner
	}
	return &tracedStore{inner: inner, backend: backend, tracer: tracer}
}

func (s *tracedStore) Get(ctx context.Context, key string) (*models.RateLimitEntry, error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, "get", s.backend)
	defer span.End()
	entry, err := s.inner.Get(ctx, key)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return entry, err
}

func (s *tracedStore) Set(ctx context.Context, key string, entry *models.RateLimitEntry) error {
	ctx, span := s.tracer.StartStoreSpan(ctx, "set", s.backend)
	defer span.End()
	err := s.inner.Set(ctx, key, entry)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return err
}

func (s *tracedStore) Remove(ctx context.Context, key string) error {
	ctx, span := s.tracer.StartStoreSpan(ctx, "remove", s.backend)
	defer span.End()
	err := s.inner.Remove(ctx, key)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return err
}

func (s *tracedStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.RateLimitEntry, error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, "get_by_prefix", s.backend)
	defer span.End()
	entries, err := s.inner.GetByPrefix(ctx, prefix)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return entries, err
}

func (s *tracedStore) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, "cleanup", s.backend)
	defer span.End()
	removed, err := s.inner.CleanupExpired(ctx)
	if err != nil {
		s.tracer.RecordError(span, err)
	}
	return removed, err
}

func (s *tracedStore) Stats(ctx context.Context) (*Stats, error) {
	return s.inner.Stats(ctx)
}

func (s *tracedStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *tracedStore) Close() error {
	return s.inner.Close()
}
