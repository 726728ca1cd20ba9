package dataproc

import (
	"fmt"
	"reflect"
	"time"
)

// Limits are the pre-flight bounds Validate enforces (spec.md §4.3).
const (
	MaxArrayElements = 20000
	MaxMapFields      = 20000
	MaxStringLength   = 1 << 20 // 1 MB
	MaxTotalSize      = 1 << 20 // 1 MB
	MaxNestingDepth   = 50
)

// Result is the outcome of Validate. Validation failures are warn-only:
// callers proceed regardless (spec.md §4.3), but the messages are surfaced
// so the caller can log or report them.
type Result struct {
	IsValid bool
	Errors  []string
}

// Validate runs the pre-flight checks spec.md §4.3 requires before
// persisting a value: no circular references, bounded array/map sizes,
// bounded string length, bounded total size, bounded nesting, and years
// within [1, 9999].
func Validate(value interface{}) Result {
	v := &validator{seen: make(map[uintptr]bool)}
	v.walk(value, 0)
	return Result{IsValid: len(v.errors) == 0, Errors: v.errors}
}

type validator struct {
	errors    []string
	seen      map[uintptr]bool
	totalSize int
}

func (v *validator) fail(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) walk(value interface{}, depth int) {
	if depth > MaxNestingDepth {
		v.fail("nesting exceeds max depth %d", MaxNestingDepth)
		return
	}
	if value == nil {
		return
	}

	// time.Time is a reflect.Struct, so it would otherwise fall through to
	// the scalar default below with no year-range check at all.
	if t, ok := value.(time.Time); ok {
		v.totalSize += 8
		if y := t.Year(); y < 1 || y > 9999 {
			v.fail("year %d outside valid range [1, 9999]", y)
		}
		if v.totalSize > MaxTotalSize {
			v.fail("total size %d exceeds max %d", v.totalSize, MaxTotalSize)
		}
		return
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.Kind() != reflect.Slice && !rv.IsNil() {
			ptr := rv.Pointer()
			if v.seen[ptr] {
				v.fail("circular reference detected")
				return
			}
			v.seen[ptr] = true
			defer delete(v.seen, ptr)
		}
	}

	switch rv.Kind() {
	case reflect.String:
		s := rv.String()
		v.totalSize += len(s)
		if len(s) > MaxStringLength {
			v.fail("string length %d exceeds max %d", len(s), MaxStringLength)
		}
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		if n > MaxArrayElements {
			v.fail("array length %d exceeds max %d", n, MaxArrayElements)
		}
		for i := 0; i < n; i++ {
			v.walk(rv.Index(i).Interface(), depth+1)
		}
	case reflect.Map:
		if rv.Len() > MaxMapFields {
			v.fail("map field count %d exceeds max %d", rv.Len(), MaxMapFields)
		}
		iter := rv.MapRange()
		for iter.Next() {
			v.walk(iter.Value().Interface(), depth+1)
		}
	case reflect.Ptr, reflect.Interface:
		if !rv.IsNil() {
			v.walk(rv.Elem().Interface(), depth+1)
		}
	default:
		v.totalSize += 8 // flat accounting for scalars
	}

	if v.totalSize > MaxTotalSize {
		v.fail("total size %d exceeds max %d", v.totalSize, MaxTotalSize)
	}
}

// TestRoundTrip reports whether Restore(Sanitize(value)) equals value up to
// the transforms Sanitize/Restore are allowed to make (spec.md §8). It is a
// development/test helper, not used on the hot path.
func TestRoundTrip(value interface{}) bool {
	sanitized := Sanitize(value, DefaultMaxDepth)
	restored := Restore(sanitized)
	return deepEqual(value, restored)
}

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalizeForCompare(a), normalizeForCompare(b))
}

// normalizeForCompare collapses nil-shaped values (nil interface, nil map,
// nil slice) to a single canonical nil so round-trip comparisons aren't
// tripped up by Go's distinction between "no value" and "empty container".
func normalizeForCompare(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
	}
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, fv := range t {
			out[k] = normalizeForCompare(fv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, fv := range t {
			out[i] = normalizeForCompare(fv)
		}
		return out
	default:
		return v
	}
}
