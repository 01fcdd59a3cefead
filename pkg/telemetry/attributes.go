package telemetry

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Category tags a span with the broad activity it covers.
type Category string

const Fuzzing Category = "fuzzing"

type SpanAttributes struct {
	kvs []attribute.KeyValue
}

func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{}
}

func NewSpanAttributes(category Category) *SpanAttributes {
	return EmptySpanAttributes().WithExtraAttribute("action.category", string(category))
}

func (a *SpanAttributes) WithWorkers(n int) *SpanAttributes {
	return a.WithExtraAttribute("fuzz.workers", n)
}

func (a *SpanAttributes) WithImage(ref string) *SpanAttributes {
	return a.WithExtraAttribute("vm.image", ref)
}

func (a *SpanAttributes) WithOutcome(outcome string) *SpanAttributes {
	return a.WithExtraAttribute("worker.outcome", outcome)
}

func (a *SpanAttributes) WithExtraAttribute(key string, value any) *SpanAttributes {
	a.kvs = append(a.kvs, anyAttribute(key, value))
	return a
}

// WithExtraAttributes flattens a map into attributes, sorted by key so span
// contents are stable.
func (a *SpanAttributes) WithExtraAttributes(extra map[string]any) *SpanAttributes {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.kvs = append(a.kvs, anyAttribute(k, extra[k]))
	}
	return a
}

func (a *SpanAttributes) KeyValues() []attribute.KeyValue {
	return a.kvs
}

type EventAttributes map[string]string

func NewEventAttributes(m map[string]string) EventAttributes {
	return EventAttributes(m)
}

func (e EventAttributes) KeyValues() []attribute.KeyValue {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]attribute.KeyValue, 0, len(e))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, e[k]))
	}
	return kvs
}

func anyAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
