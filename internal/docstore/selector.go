package docstore

import (
	"reflect"

	"carelink.app/internal/schema"
)

// Selector decides whether a document belongs to a query result.
type Selector interface {
	Match(schema.Document) bool
}

type selectorFunc func(schema.Document) bool

func (f selectorFunc) Match(d schema.Document) bool { return f(d) }

// All matches every live document.
func All() Selector {
	return selectorFunc(func(schema.Document) bool { return true })
}

// Func adapts a predicate.
func Func(fn func(schema.Document) bool) Selector {
	return selectorFunc(fn)
}

// Eq matches documents whose field equals value. Numeric values compare by
// magnitude regardless of Go type.
func Eq(field string, value any) Selector {
	want := numeric(value)
	return selectorFunc(func(d schema.Document) bool {
		got, ok := d[field]
		if !ok {
			return value == nil
		}
		return reflect.DeepEqual(numeric(got), want)
	})
}

// And matches documents every selector matches.
func And(sels ...Selector) Selector {
	return selectorFunc(func(d schema.Document) bool {
		for _, s := range sels {
			if !s.Match(d) {
				return false
			}
		}
		return true
	})
}

func numeric(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
