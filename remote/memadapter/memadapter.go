// Package memadapter is an in-memory remote.Adapter used by ganon's own test
// suite and by callers who want to exercise the sync engine without a live
// document store. It mirrors the teacher's lightweight, map-backed test
// fakes (nodestorage/v2/storage_cache_test.go) rather than the full
// MongoDB-backed implementation.
package memadapter

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/potionforge/ganon/internal/core"
	"github.com/potionforge/ganon/remote"

	"go.uber.org/zap"
)

// Adapter is a goroutine-safe, in-process remote.Adapter. The zero value is
// not usable; construct with New.
type Adapter struct {
	mu       sync.Mutex
	docs     map[string]map[string]interface{}
	readonly bool
	txMu     sync.Mutex // serializes RunTransaction the way a real backend's own retry loop would
}

// New creates an empty Adapter. Set readonly to true to model spec.md
// §4.2's "Read-only mode".
func New(readonly bool) *Adapter {
	return &Adapter{docs: make(map[string]map[string]interface{}), readonly: readonly}
}

func (a *Adapter) Readonly() bool { return a.readonly }

func (a *Adapter) Get(_ context.Context, ref remote.Ref) (remote.Doc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.docs[ref.Path]
	if !ok {
		return remote.Doc{Exists: false}, nil
	}
	return remote.Doc{Exists: true, Data: cloneMap(data)}, nil
}

// Set is a logged no-op in read-only mode (spec.md §4.2 "Read-only mode...
// forces write operations to be no-ops (logged warning)"); only
// RunTransaction and WriteBatch.Commit fail outright.
func (a *Adapter) Set(_ context.Context, ref remote.Ref, data map[string]interface{}, merge bool) error {
	if a.readonly {
		core.Warn("memadapter: write skipped in read-only mode", zap.String("op", "Set"), zap.String("path", ref.Path))
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(ref, data, merge)
	return nil
}

func (a *Adapter) setLocked(ref remote.Ref, data map[string]interface{}, merge bool) {
	if !merge {
		a.docs[ref.Path] = cloneMap(data)
		return
	}
	existing, ok := a.docs[ref.Path]
	if !ok {
		existing = make(map[string]interface{})
	} else {
		existing = cloneMap(existing)
	}
	for k, v := range data {
		if v == nil {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}
	a.docs[ref.Path] = existing
}

func (a *Adapter) Update(_ context.Context, ref remote.Ref, data map[string]interface{}) error {
	if a.readonly {
		core.Warn("memadapter: write skipped in read-only mode", zap.String("op", "Update"), zap.String("path", ref.Path))
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setLocked(ref, data, true)
	return nil
}

func (a *Adapter) Delete(_ context.Context, ref remote.Ref) error {
	if a.readonly {
		core.Warn("memadapter: write skipped in read-only mode", zap.String("op", "Delete"), zap.String("path", ref.Path))
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.docs, ref.Path)
	return nil
}

func (a *Adapter) List(_ context.Context, ref remote.Ref) (map[string]remote.Doc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := ref.Path + "/"
	out := make(map[string]remote.Doc)
	for path, data := range a.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if strings.Contains(rest, "/") {
			continue // not a direct child
		}
		out[rest] = remote.Doc{Exists: true, Data: cloneMap(data)}
	}
	return out, nil
}

type batchOp struct {
	kind string // "set", "update", "delete"
	ref  remote.Ref
	data map[string]interface{}
	merge bool
}

type batch struct {
	a   *Adapter
	ops []batchOp
}

func (a *Adapter) WriteBatch() remote.BatchWriter { return &batch{a: a} }

func (b *batch) Set(ref remote.Ref, data map[string]interface{}, merge bool) {
	b.ops = append(b.ops, batchOp{kind: "set", ref: ref, data: data, merge: merge})
}

func (b *batch) Update(ref remote.Ref, data map[string]interface{}) {
	b.ops = append(b.ops, batchOp{kind: "update", ref: ref, data: data, merge: true})
}

func (b *batch) Delete(ref remote.Ref) {
	b.ops = append(b.ops, batchOp{kind: "delete", ref: ref})
}

func (b *batch) Commit(_ context.Context) error {
	if b.a.readonly {
		return &remote.ErrReadonly{Op: "WriteBatch.Commit"}
	}
	b.a.mu.Lock()
	defer b.a.mu.Unlock()
	for _, op := range b.ops {
		switch op.kind {
		case "set":
			b.a.setLocked(op.ref, op.data, op.merge)
		case "update":
			b.a.setLocked(op.ref, op.data, true)
		case "delete":
			delete(b.a.docs, op.ref.Path)
		}
	}
	return nil
}

type txHandle struct {
	a   *Adapter
	ops []batchOp
}

func (t *txHandle) Get(ctx context.Context, ref remote.Ref) (remote.Doc, error) {
	return t.a.Get(ctx, ref)
}

func (t *txHandle) Set(ref remote.Ref, data map[string]interface{}, merge bool) {
	t.ops = append(t.ops, batchOp{kind: "set", ref: ref, data: data, merge: merge})
}

func (t *txHandle) Update(ref remote.Ref, data map[string]interface{}) {
	t.ops = append(t.ops, batchOp{kind: "update", ref: ref, data: data, merge: true})
}

func (t *txHandle) Delete(ref remote.Ref) {
	t.ops = append(t.ops, batchOp{kind: "delete", ref: ref})
}

// RunTransaction serializes against other transactions on this adapter
// instance (a real document store enforces this server-side; the in-memory
// fake does it with a mutex so tests can assert ordering the same way).
func (a *Adapter) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Transaction) error) error {
	if a.readonly {
		return &remote.ErrReadonly{Op: "RunTransaction"}
	}
	a.txMu.Lock()
	defer a.txMu.Unlock()

	tx := &txHandle{a: a}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, op := range tx.ops {
		switch op.kind {
		case "set":
			a.setLocked(op.ref, op.data, op.merge)
		case "update":
			a.setLocked(op.ref, op.data, true)
		case "delete":
			delete(a.docs, op.ref.Path)
		}
	}
	return nil
}

// Paths returns every stored document path, sorted, for test assertions.
func (a *Adapter) Paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.docs))
	for p := range a.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
