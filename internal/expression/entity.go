// Package expression gives read access to governed-entity snapshots and
// evaluates boolean expressions over them.
package expression

import (
	"reflect"
	"strings"
)

// Entity is a read-only snapshot of a governed business entity.
type Entity map[string]any

// Field returns the value at a dot-separated path, or nil when any segment is
// missing.
func (e Entity) Field(path string) any {
	return navigatePath(e, path)
}

// Present reports whether the value at path is non-null and non-empty.
func (e Entity) Present(path string) bool {
	return !IsEmpty(e.Field(path))
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		switch m := current.(type) {
		case map[string]any:
			current = m[part]
		case Entity:
			current = m[part]
		default:
			return nil
		}
	}
	return current
}

// IsEmpty reports whether v is nil, a blank string, or an empty collection.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Equal compares an entity value with a configured value. Numbers compare by
// value regardless of their concrete type; everything else compares with
// reflect.DeepEqual.
func Equal(actual, expected any) bool {
	if af, ok := toFloat(actual); ok {
		if ef, ok := toFloat(expected); ok {
			return af == ef
		}
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
