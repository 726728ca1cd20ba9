// Package dataproc sanitizes values before they are persisted to the remote
// store and restores them on the way back out (spec.md §4.3, component C3).
package dataproc

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/jinzhu/copier"
)

// DateTag is the sentinel field name used to mark a sanitized time.Time so
// Restore can convert it back. It is exported so a remote adapter's own
// (de)serialization layer can recognize it too if needed.
const DateTag = "__ganon_date__"

// EmptySentinel is the marker for a value stored in place of a true null.
// Sanitize never emits it; Restore recognizes it on the way back out and
// always strips it back to nil, so it never leaks to callers.
const EmptySentinel = "__ganon_empty__"

// DefaultMaxDepth is the nesting depth at which Sanitize collapses the
// remaining subtree to nil (spec.md §4.3).
const DefaultMaxDepth = 50

// Sanitize returns a copy of value safe to persist to the remote store:
// undefined-equivalent entries (nil interface fields inside maps aren't
// applicable in Go — see note below) are dropped, values of type func() and
// chan struct{} become nil (a func() map entry is dropped entirely; other
// func and chan types pass through unchanged), invalid
// time.Time becomes nil, valid time.Time is tagged for reversible restore,
// and anything nested past maxDepth collapses to nil. maxDepth<=0 uses
// DefaultMaxDepth.
//
// Go has no first-class "undefined" the way the object model this was
// distilled from does; a map entry whose value is a literal nil interface
// is the closest analogue and is dropped exactly like an undefined field
// would be. Array elements are never dropped — arrays are positional, per
// spec.md §4.3.
func Sanitize(value interface{}, maxDepth int) interface{} {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return sanitize(value, maxDepth, 0)
}

func sanitize(value interface{}, maxDepth, depth int) interface{} {
	if depth > maxDepth {
		return nil
	}
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() || v.Unix() < minValidUnix || v.Unix() > maxValidUnix {
			return nil
		}
		return map[string]interface{}{DateTag: v.UTC().Format(time.RFC3339Nano)}
	case func(), chan struct{}:
		return nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = sanitize(elem, maxDepth, depth+1)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, fv := range v {
			if fv == nil {
				continue
			}
			switch fv.(type) {
			case func():
				continue
			}
			out[k] = sanitize(fv, maxDepth, depth+1)
		}
		return out
	default:
		return deepCopyPointerValue(value)
	}
}

// deepCopyPointerValue protects a pointer-to-struct value from later
// external mutation by the caller once it has been queued for sync: a
// caller that keeps mutating the same struct in place must not be able to
// change what was already handed to the remote adapter.
func deepCopyPointerValue(value interface{}) interface{} {
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return value
	}

	newValue := reflect.New(v.Type().Elem())
	if err := copier.CopyWithOption(newValue.Interface(), v.Elem().Interface(), copier.Option{DeepCopy: true}); err != nil {
		return value
	}
	return newValue.Interface()
}

// minValidUnix/maxValidUnix bound the years dataproc.Validate/Sanitize treat
// as sane (spec.md §4.3 "years within valid range"): year 1 through 9999.
const (
	minValidUnix = -62135596800
	maxValidUnix = 253402300799
)

// Restore is the inverse of Sanitize: a tagged date becomes a real
// time.Time again, the empty sentinel becomes nil, and everything else
// passes through unchanged.
func Restore(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if v == EmptySentinel {
			return nil
		}
		return v
	case map[string]interface{}:
		if tag, ok := v[DateTag]; ok {
			if s, ok := tag.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return t
				}
			}
			return nil
		}
		out := make(map[string]interface{}, len(v))
		for k, fv := range v {
			out[k] = Restore(fv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Restore(elem)
		}
		return out
	default:
		return value
	}
}

// reservedFieldPattern matches the "__x__" dunder shape spec.md §4.3 calls
// out for escaping, so a legitimate field that happens to look like a
// reserved name doesn't collide with ganon's own tags (DateTag, the remote
// metadata field, etc).
var reservedFieldPattern = regexp.MustCompile(`^__.+__$`)

// invalidFieldChars are replaced with "_" in SanitizeFieldName.
var invalidFieldChars = regexp.MustCompile(`[./\[\]*]`)

// SanitizeFieldName returns s transformed into a name safe to use as a
// remote document field (spec.md §3, §4.3): leading dots are stripped, an
// input that is empty (or only dots) becomes "invalid_field", a name of the
// reserved shape "__x__" is escaped with an "esc_" prefix, and each of
// . / [ ] * becomes "_".
func SanitizeFieldName(s string) string {
	if s == "" {
		return "invalid_field"
	}
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "invalid_field"
	}
	if reservedFieldPattern.MatchString(s) {
		s = "esc_" + s
	}
	s = invalidFieldChars.ReplaceAllString(s, "_")
	if s == "" {
		return "invalid_field"
	}
	return s
}
