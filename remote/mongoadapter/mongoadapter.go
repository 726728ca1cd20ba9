// Package mongoadapter is ganon's production remote.Adapter, backed by
// MongoDB via go.mongodb.org/mongo-driver — the same driver the teacher
// (nodestorage/v2) builds its entire storage layer on.
//
// A document-oriented cloud store's "document + subcollection" shape (spec.md
// §3) does not map onto a single Mongo collection, so this adapter models
// one ganon remote.Ref as a single document in one physical Mongo
// collection, identified by its full path; a "subcollection" is simply every
// document whose path has the collection ref's path as a strict parent. A
// unique index on {path: 1} (created by EnsureIndexes) keeps both
// point lookups and prefix scans (remote.Collection.List) efficient.
package mongoadapter

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/potionforge/ganon/internal/core"
	"github.com/potionforge/ganon/remote"
	"go.uber.org/zap"
)

// record is the on-disk shape of every document this adapter stores: the
// ref path plus the caller's data, nested under "data" so MongoDB's own
// fields (_id) never collide with ganon's data.
type record struct {
	Path string                 `bson:"path"`
	Data map[string]interface{} `bson:"data"`
}

// Adapter implements remote.Adapter over a single MongoDB collection.
type Adapter struct {
	coll     *mongo.Collection
	client   *mongo.Client
	readonly bool
}

// New wraps an existing *mongo.Collection. Call EnsureIndexes once at
// startup (idempotent) before serving traffic.
func New(client *mongo.Client, coll *mongo.Collection, readonly bool) *Adapter {
	return &Adapter{coll: coll, client: client, readonly: readonly}
}

// EnsureIndexes creates the unique path index this adapter relies on for
// point lookups, and is safe to call on every process start.
func (a *Adapter) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "path", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (a *Adapter) Readonly() bool { return a.readonly }

func (a *Adapter) Get(ctx context.Context, ref remote.Ref) (remote.Doc, error) {
	var rec record
	err := a.coll.FindOne(ctx, bson.M{"path": ref.Path}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return remote.Doc{Exists: false}, nil
	}
	if err != nil {
		return remote.Doc{}, wrapErr(err)
	}
	return remote.Doc{Exists: true, Data: rec.Data}, nil
}

// Set is a logged no-op in read-only mode (spec.md §4.2 "Read-only mode...
// forces write operations to be no-ops (logged warning)"); only
// RunTransaction and WriteBatch.Commit fail outright.
func (a *Adapter) Set(ctx context.Context, ref remote.Ref, data map[string]interface{}, merge bool) error {
	if a.readonly {
		core.Warn("mongoadapter: write skipped in read-only mode", zap.String("op", "Set"), zap.String("path", ref.Path))
		return nil
	}
	if !merge {
		_, err := a.coll.ReplaceOne(ctx, bson.M{"path": ref.Path},
			record{Path: ref.Path, Data: data}, options.Replace().SetUpsert(true))
		return wrapErr(err)
	}
	return a.mergeOne(ctx, ref, data)
}

// mergeOne applies data on top of whatever is already stored at ref,
// dropping keys whose value is nil, the same semantics as the in-memory
// adapter and spec.md §4.6's "set with merge".
func (a *Adapter) mergeOne(ctx context.Context, ref remote.Ref, data map[string]interface{}) error {
	existing, err := a.Get(ctx, ref)
	if err != nil {
		return err
	}
	merged := existing.Data
	if merged == nil {
		merged = make(map[string]interface{})
	} else {
		cloned := make(map[string]interface{}, len(merged))
		for k, v := range merged {
			cloned[k] = v
		}
		merged = cloned
	}
	for k, v := range data {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	_, err = a.coll.ReplaceOne(ctx, bson.M{"path": ref.Path},
		record{Path: ref.Path, Data: merged}, options.Replace().SetUpsert(true))
	return wrapErr(err)
}

func (a *Adapter) Update(ctx context.Context, ref remote.Ref, data map[string]interface{}) error {
	if a.readonly {
		core.Warn("mongoadapter: write skipped in read-only mode", zap.String("op", "Update"), zap.String("path", ref.Path))
		return nil
	}
	set := bson.M{}
	unset := bson.M{}
	for k, v := range data {
		if v == nil {
			unset["data."+k] = ""
			continue
		}
		set["data."+k] = v
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return nil
	}
	_, err := a.coll.UpdateOne(ctx, bson.M{"path": ref.Path}, update, options.Update().SetUpsert(true))
	return wrapErr(err)
}

func (a *Adapter) Delete(ctx context.Context, ref remote.Ref) error {
	if a.readonly {
		core.Warn("mongoadapter: write skipped in read-only mode", zap.String("op", "Delete"), zap.String("path", ref.Path))
		return nil
	}
	_, err := a.coll.DeleteOne(ctx, bson.M{"path": ref.Path})
	return wrapErr(err)
}

func (a *Adapter) List(ctx context.Context, ref remote.Ref) (map[string]remote.Doc, error) {
	prefix := ref.Path + "/"
	cur, err := a.coll.Find(ctx, bson.M{"path": bson.M{"$regex": "^" + regexQuote(prefix) + "[^/]+$"}})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cur.Close(ctx)

	out := make(map[string]remote.Doc)
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, wrapErr(err)
		}
		id := strings.TrimPrefix(rec.Path, prefix)
		out[id] = remote.Doc{Exists: true, Data: rec.Data}
	}
	return out, wrapErr(cur.Err())
}

type batch struct {
	a   *Adapter
	ops []func(ctx context.Context) error
}

func (a *Adapter) WriteBatch() remote.BatchWriter { return &batch{a: a} }

func (b *batch) Set(ref remote.Ref, data map[string]interface{}, merge bool) {
	b.ops = append(b.ops, func(ctx context.Context) error { return b.a.Set(ctx, ref, data, merge) })
}

func (b *batch) Update(ref remote.Ref, data map[string]interface{}) {
	b.ops = append(b.ops, func(ctx context.Context) error { return b.a.Update(ctx, ref, data) })
}

func (b *batch) Delete(ref remote.Ref) {
	b.ops = append(b.ops, func(ctx context.Context) error { return b.a.Delete(ctx, ref) })
}

// Commit runs every queued op in order. MongoDB has no unordered
// multi-document batch primitive equivalent to Firestore's WriteBatch
// outside of a transaction, so a committed batch here is a best-effort
// sequential apply; callers who need atomicity should use RunTransaction.
func (b *batch) Commit(ctx context.Context) error {
	if b.a.readonly {
		return &remote.ErrReadonly{Op: "WriteBatch.Commit"}
	}
	var errs []error
	for _, op := range b.ops {
		if err := op(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type txHandle struct {
	ctx context.Context
	a   *Adapter
}

func (t *txHandle) Get(ctx context.Context, ref remote.Ref) (remote.Doc, error) {
	return t.a.Get(ctx, ref)
}
func (t *txHandle) Set(ref remote.Ref, data map[string]interface{}, merge bool) {
	_ = t.a.Set(t.ctx, ref, data, merge)
}
func (t *txHandle) Update(ref remote.Ref, data map[string]interface{}) {
	_ = t.a.Update(t.ctx, ref, data)
}
func (t *txHandle) Delete(ref remote.Ref) { _ = t.a.Delete(t.ctx, ref) }

// RunTransaction runs fn inside a MongoDB client session transaction,
// grounded on the teacher's StorageImpl.WithTransaction (nodestorage/v2/
// storage_impl.go).
func (a *Adapter) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Transaction) error) error {
	if a.readonly {
		return &remote.ErrReadonly{Op: "RunTransaction"}
	}
	session, err := a.client.StartSession()
	if err != nil {
		return wrapErr(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		tx := &txHandle{ctx: sessCtx, a: a}
		return nil, fn(sessCtx, tx)
	})
	return wrapErr(err)
}

func regexQuote(s string) string {
	replacer := strings.NewReplacer(
		".", `\.`, "+", `\+`, "*", `\*`, "?", `\?`, "(", `\(`, ")", `\)`,
		"[", `\[`, "]", `\]`, "^", `\^`, "$", `\$`,
	)
	return replacer.Replace(s)
}

// wrapErr maps a mongo-driver error to a remote.CodedError so store.Facade's
// error table (spec.md §4.6) can classify it store-agnostically.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var code remote.Code
	switch {
	case err == mongo.ErrNoDocuments:
		code = remote.CodeNotFound
	case mongo.IsTimeout(err):
		code = remote.CodeDeadlineExceeded
	case mongo.IsNetworkError(err):
		code = remote.CodeUnavailable
	case mongo.IsDuplicateKeyError(err):
		code = remote.CodeAlreadyExists
	default:
		code = remote.CodeUnknown
	}
	return remote.NewCodedError(code, err.Error())
}
