// Package state holds the structured values carried by changes and version
// snapshots: an opaque JSON-shaped Value with structural equality and a
// top-level diff, plus typed variants for the object kinds the editor knows.
package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Value is a JSON-shaped object. A nil Value means "absent".
type Value map[string]any

// Normalize rewrites v into its canonical JSON form (numbers become float64,
// nested structs become maps) so two values built differently compare equal.
func Normalize(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var out Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return out, nil
}

func (v Value) IsEmpty() bool {
	return len(v) == 0
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for key, item := range v {
		out[key] = cloneAny(item)
	}
	return out
}

func (v Value) Keys() []string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep structural equality. Absent and empty values are equal.
func Equal(a, b Value) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for key, left := range a {
		right, ok := b[key]
		if !ok || !EqualAny(left, right) {
			return false
		}
	}
	return true
}

// EqualAny compares two JSON-shaped values structurally.
func EqualAny(a, b any) bool {
	switch left := a.(type) {
	case map[string]any:
		right, ok := asMap(b)
		return ok && Equal(left, right)
	case Value:
		right, ok := asMap(b)
		return ok && Equal(left, right)
	case []any:
		right, ok := b.([]any)
		if !ok || len(left) != len(right) {
			return false
		}
		for i := range left {
			if !EqualAny(left[i], right[i]) {
				return false
			}
		}
		return true
	}
	if ln, ok := toFloat(a); ok {
		rn, ok := toFloat(b)
		return ok && ln == rn
	}
	return reflect.DeepEqual(a, b)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Value:
		return m, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func cloneAny(v any) any {
	switch item := v.(type) {
	case map[string]any:
		return map[string]any(Value(item).Clone())
	case Value:
		return item.Clone()
	case []any:
		out := make([]any, len(item))
		for i := range item {
			out[i] = cloneAny(item[i])
		}
		return out
	default:
		return item
	}
}
