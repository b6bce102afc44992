package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the untyped representation every collection stores. Values are
// the shapes encoding/json produces: string, float64, bool, nil, []any and
// map[string]any.
type Document map[string]any

// ID returns the document's primary key.
func (d Document) ID() string {
	return d.String("id")
}

// String returns the string stored at key, or "".
func (d Document) String(key string) string {
	v, _ := d[key].(string)
	return v
}

// Bool returns the bool stored at key, or false.
func (d Document) Bool(key string) bool {
	v, _ := d[key].(bool)
	return v
}

// Time parses an RFC 3339 timestamp stored at key.
func (d Document) Time(key string) (time.Time, bool) {
	raw, ok := d[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clone returns a deep copy so callers never share nested maps or slices with
// the store.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Encode converts a tagged struct into a Document through its JSON form.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode fills v from doc through its JSON form.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Normalize round-trips doc through JSON so that typed values supplied by
// callers (time.Time, nested structs, typed slices) take their stored shape.
func Normalize(doc Document) (Document, error) {
	return Encode(doc)
}
