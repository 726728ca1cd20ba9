// Package hash computes a canonical, deterministic digest of arbitrary typed
// values (spec.md §4.1, component C1). Two semantically equal values — same
// fields regardless of order, same elements — always produce the same
// digest; field order and the presence of undefined/nil-typed entries never
// leak into the output.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Hasher computes the underlying cryptographic sum of a canonical pre-image.
// The actual hashing primitive is an external collaborator (spec.md §1): the
// package builds the pre-image, something else sums it. The zero value of
// Digest uses sha256Hasher.
type Hasher interface {
	Sum(data []byte) []byte
}

type sha256Hasher struct{}

func (sha256Hasher) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DefaultHasher is the Hasher used when Digest is called without one. It is
// a package variable (not a constant default hidden inside Digest) so a
// caller can swap it process-wide via hash.DefaultHasher = myHasher{}.
var DefaultHasher Hasher = sha256Hasher{}

// Digest returns the 16-hex-character truncated digest of value's canonical
// pre-image, optionally salted. salt, if non-empty, is appended as a final
// pre-image part so the same value hashes differently under different
// salts without changing the core algorithm.
func Digest(value interface{}, salt string) string {
	return DigestWith(DefaultHasher, value, salt)
}

// DigestWith is Digest with an explicit Hasher, letting callers substitute
// the cryptographic primitive (e.g. for testing or FIPS-mode deployments)
// without touching the canonicalization logic.
func DigestWith(h Hasher, value interface{}, salt string) string {
	var b strings.Builder
	writePreimage(&b, reflect.ValueOf(value), 0)
	if salt != "" {
		b.WriteString("|salt:")
		b.WriteString(salt)
	}
	sum := h.Sum([]byte(b.String()))
	return hex.EncodeToString(sum)[:16]
}

// writePreimage recursively appends the canonical pre-image of v to b. depth
// is 0 only for the root; every nested part is prefixed with the "|"
// separator. Hashing does not clamp depth, since digests must stay stable
// for however deep a value legitimately goes.
func writePreimage(b *strings.Builder, v reflect.Value, depth int) {
	if depth > 0 {
		b.WriteByte('|')
	}

	if !v.IsValid() {
		// untyped nil at the root is written as the literal null, the same
		// as a nil pointer or interface; a nested undefined (dropped map or
		// struct entry) never reaches this path because writeMap and
		// writeStruct skip those fields entirely.
		b.WriteString("null")
		return
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			b.WriteString("null")
			return
		}
		// The separator for this position is already written; unwrap
		// without writing it a second time.
		writePreimage(b, v.Elem(), 0)
		return
	case reflect.Bool:
		fmt.Fprintf(b, "boolean:%v", v.Bool())
	case reflect.String:
		fmt.Fprintf(b, "string:%s", v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeNumber(b, float64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		writeNumber(b, float64(v.Uint()))
	case reflect.Float32, reflect.Float64:
		writeNumber(b, v.Float())
	case reflect.Slice, reflect.Array:
		writeArray(b, v, depth)
	case reflect.Map:
		writeMap(b, v, depth)
	case reflect.Struct:
		writeStruct(b, v, depth)
	default:
		// Anything else (chan, func, unsafe pointer) has no stable
		// pre-image; treat it as an absent value like undefined.
		b.WriteString("null")
	}
}

// writeNumber renders n as its IEEE-754 hex bit pattern so that floating
// point printing differences across platforms never change the digest.
func writeNumber(b *strings.Builder, n float64) {
	bits := math.Float64bits(n)
	fmt.Fprintf(b, "number:%016x", bits)
}

func writeArray(b *strings.Builder, v reflect.Value, depth int) {
	n := v.Len()
	fmt.Fprintf(b, "array:%d", n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(b, "|[%d]", i)
		writePreimage(b, v.Index(i), depth+1)
	}
}

// writeMap handles both map[string]interface{}-shaped values and arbitrary
// comparable-keyed maps, sorting keys lexicographically by their string
// representation so iteration order never affects the digest.
func writeMap(b *strings.Builder, v reflect.Value, depth int) {
	keys := v.MapKeys()
	type kv struct {
		key string
		val reflect.Value
	}
	entries := make([]kv, 0, len(keys))
	for _, k := range keys {
		val := v.MapIndex(k)
		if isUndefined(val) {
			continue
		}
		entries = append(entries, kv{key: fmt.Sprintf("%v", k.Interface()), val: val})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	fmt.Fprintf(b, "object:%d", len(entries))
	for _, e := range entries {
		fmt.Fprintf(b, "|key:%s", e.key)
		writePreimage(b, e.val, depth+1)
	}
}

// writeStruct treats an exported struct field set like an object, using the
// field name as the key. Unexported fields are skipped (they are never
// part of the persisted value either, see dataproc.Sanitize).
func writeStruct(b *strings.Builder, v reflect.Value, depth int) {
	t := v.Type()
	type kv struct {
		key string
		val reflect.Value
	}
	entries := make([]kv, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		fv := v.Field(i)
		if isUndefined(fv) {
			continue
		}
		entries = append(entries, kv{key: f.Name, val: fv})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	fmt.Fprintf(b, "object:%d", len(entries))
	for _, e := range entries {
		fmt.Fprintf(b, "|key:%s", e.key)
		writePreimage(b, e.val, depth+1)
	}
}

// isUndefined reports whether v should be dropped the way a JS object drops
// an `undefined`-valued field: invalid values and nil interfaces/pointers to
// nil-able kinds with no concrete value.
func isUndefined(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
