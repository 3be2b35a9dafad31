package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platformbuilds/acs-core/internal/models"
	"github.com/platformbuilds/acs-core/internal/tracing"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

func TestWithTracing_SpansAroundDataOps(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	now := time.Now()
	inner := NewMemoryStore(logger.NewNop()).WithClock(func() time.Time { return now })
	st := WithTracing(inner, "memory", tracing.NewDecisionTracer("test"))
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "t1:k", entryAt("t1:k", now, time.Minute, now)))
	_, err := st.Get(ctx, "t1:k")
	require.NoError(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	for _, span := range ended {
		assert.Equal(t, "store_operation", span.Name())
	}

	var backends []string
	for _, span := range ended {
		for _, kv := range span.Attributes() {
			if kv.Key == "store.backend" {
				backends = append(backends, kv.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"memory", "memory"}, backends)

	// Stats stays unspanned; the monitor polls it.
	_, err = st.Stats(ctx)
	require.NoError(t, err)
	assert.Len(t, recorder.Ended(), 2)
}

func TestWithTracing_ErrorsLandOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	st := WithTracing(NewMemoryStore(logger.NewNop()), "memory", tracing.NewDecisionTracer("test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := st.Get(ctx, "t1:k")
	require.Error(t, err)
	require.True(t, models.IsCancelled(err))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestWithTracing_NilTracerPassesThrough(t *testing.T) {
	inner := NewMemoryStore(logger.NewNop())
	assert.Equal(t, Store(inner), WithTracing(inner, "memory", nil))
}
