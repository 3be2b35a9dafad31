package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRecorder installs an in-memory span recorder as the global provider
// for the duration of the test.
func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDecisionTracer_EvaluateSpan(t *testing.T) {
	recorder := newRecorder(t)
	tracer := NewDecisionTracer("test")

	_, span := tracer.StartEvaluateSpan(context.Background(), "acme", 7, "GET", "/docs/1")
	tracer.RecordDecision(span, "allow", 3, false, 2*time.Millisecond)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "authz_evaluate", ended[0].Name())

	attrs := ended[0].Attributes()
	tenant, ok := attrValue(attrs, "tenant.id")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant.AsString())
	effect, ok := attrValue(attrs, "authz.effect")
	require.True(t, ok)
	assert.Equal(t, "allow", effect.AsString())
	rules, ok := attrValue(attrs, "authz.rule_count")
	require.True(t, ok)
	assert.EqualValues(t, 3, rules.AsInt64())
}

func TestDecisionTracer_CheckSpan(t *testing.T) {
	recorder := newRecorder(t)
	tracer := NewDecisionTracer("test")

	_, span := tracer.StartCheckSpan(context.Background(), "acme", "ip:10.0.0.1", "default")
	tracer.RecordCheck(span, false, false, 0)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "ratelimit_check", ended[0].Name())

	allowed, ok := attrValue(ended[0].Attributes(), "ratelimit.allowed")
	require.True(t, ok)
	assert.False(t, allowed.AsBool())
}

func TestDecisionTracer_StoreSpanRecordsError(t *testing.T) {
	recorder := newRecorder(t)
	tracer := NewDecisionTracer("test")

	_, span := tracer.StartStoreSpan(context.Background(), "set", "valkey")
	tracer.RecordError(span, errors.New("backend down"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "store_operation", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "backend down", ended[0].Status().Description)
}
