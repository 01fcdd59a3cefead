package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSpanAttributesOrder(t *testing.T) {
	attrs := NewSpanAttributes(Fuzzing).
		WithWorkers(4).
		WithExtraAttributes(map[string]any{
			"b": int64(2),
			"a": "one",
			"c": true,
		})

	assert.Equal(t, []attribute.KeyValue{
		attribute.String("action.category", "fuzzing"),
		attribute.Int("fuzz.workers", 4),
		attribute.String("a", "one"),
		attribute.Int64("b", 2),
		attribute.Bool("c", true),
	}, attrs.KeyValues())
}

func TestAnyAttributeFallback(t *testing.T) {
	kv := anyAttribute("k", []int{1, 2})
	assert.Equal(t, attribute.String("k", "[1 2]"), kv)
}

func TestEventAttributesSorted(t *testing.T) {
	ev := NewEventAttributes(map[string]string{"z": "1", "a": "2"})
	kvs := ev.KeyValues()
	assert.Equal(t, "a", string(kvs[0].Key))
	assert.Equal(t, "z", string(kvs[1].Key))
}

func TestDummyTracerIsInert(t *testing.T) {
	var tr Tracer = &DummyTracer{}
	tr.Start()
	tr = tr.WithAttributes(EmptySpanAttributes().WithOutcome("fatal-crash"))
	tr.AddEvent("noop", EventAttributes{})
	child := tr.Spawn("child")
	assert.Same(t, tr, child)
	tr.End()
}
