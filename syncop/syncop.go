// Package syncop implements the two sync operations (spec.md §4.10,
// component C10): SetOperation backs up a key's current local value to the
// remote store; DeleteOperation removes it from both. Both share the same
// in-progress/synced/failed lifecycle and retry classification.
package syncop

import (
	"context"
	"math"
	"time"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/hash"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/localstore"
	"github.com/potionforge/ganon/remote"
	"github.com/potionforge/ganon/store"
)

// MetadataWriter is the slice of metamanager.Manager's API an operation
// needs, named narrowly here so syncop doesn't import metamanager (avoiding
// an import cycle: metamanager routes to coordinator, operations are driven
// by the controller which sits above both).
type MetadataWriter interface {
	UpdateSyncStatus(key string, status localmeta.SyncStatus) error
	Set(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error
	Replace(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error
}

// BackoffConfig controls retry delay growth (SPEC_FULL.md §6 "Structured
// retry metadata"): delay = min(Max, Base * 2^retryCount) * (1 + jitter).
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff matches spec.md §4.10's stated base (baseRetryDelay=1s),
// unbounded max, no jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Max: 0, Jitter: 0}
}

// DefaultMaxRetries is spec.md §4.10's maxRetries=3.
const DefaultMaxRetries = 3

// Result is the tuple every operation execution returns (spec.md §4.10 rule
// 5: "Result always includes key; error is always the sync-typed error").
type Result struct {
	Success     bool
	Key         string
	Error       *ganon.SyncError
	ShouldRetry bool
}

// base holds the fields common to every operation (spec.md §4.10 "Common
// base").
type base struct {
	key        string
	RetryCount int
	MaxRetries int
	Backoff    BackoffConfig
	Metadata   MetadataWriter
}

// NextDelay returns how long to wait before retrying, per spec.md §4.10
// ("delay = baseRetryDelay · 2^retryCount") generalized with Max/Jitter.
func (b base) NextDelay() time.Duration {
	delay := float64(b.Backoff.Base) * math.Pow(2, float64(b.RetryCount))
	if b.Backoff.Max > 0 && delay > float64(b.Backoff.Max) {
		delay = float64(b.Backoff.Max)
	}
	if b.Backoff.Jitter > 0 {
		delay *= 1 + b.Backoff.Jitter
	}
	return time.Duration(delay)
}

// classify implements spec.md §4.10's "Retry classification": false once
// retries are exhausted, or for any non-retryable error kind.
func classify(retryCount, maxRetries int, kind ganon.SyncErrorType) bool {
	if retryCount >= maxRetries {
		return false
	}
	return kind.Retryable()
}

// runLifecycle executes the common five-step lifecycle around body (spec.md
// §4.10 "Lifecycle invariant for every execution"): mark InProgress, run
// body, then mark Synced with the returned digest on success or Failed on
// error. hardReplace selects Metadata.Replace over Set's merge semantics —
// DeleteOperation needs this so an empty digest actually clears the stored
// one instead of being treated as "no change" (spec.md §8).
func runLifecycle(key string, metadata MetadataWriter, retryCount, maxRetries int, hardReplace bool, body func() (digest string, err error)) Result {
	if err := metadata.UpdateSyncStatus(key, localmeta.InProgress); err != nil {
		return Result{Key: key, Error: ganon.AsSyncError(key, err), ShouldRetry: false}
	}

	digest, err := body()
	if err != nil {
		se := ganon.AsSyncError(key, err)
		_ = metadata.UpdateSyncStatus(key, localmeta.Failed)
		return Result{
			Success:     false,
			Key:         key,
			Error:       se,
			ShouldRetry: classify(retryCount, maxRetries, se.Kind),
		}
	}

	rec := localmeta.Record{
		Digest:     digest,
		Version:    time.Now().UnixNano(),
		SyncStatus: localmeta.Synced,
	}
	var setErr error
	if hardReplace {
		setErr = metadata.Replace(context.Background(), key, rec, false)
	} else {
		setErr = metadata.Set(context.Background(), key, rec, false)
	}
	if setErr != nil {
		se := ganon.AsSyncError(key, setErr)
		return Result{Success: false, Key: key, Error: se, ShouldRetry: classify(retryCount, maxRetries, se.Kind)}
	}

	return Result{Success: true, Key: key}
}

// SetOperation backs up key's current local value to the remote store
// (spec.md §4.10 "SetOperation").
type SetOperation struct {
	base
	Local  localstore.Store
	Remote *store.Facade
}

// NewSetOperation builds a SetOperation with spec.md §4.10's defaults.
func NewSetOperation(key string, local localstore.Store, remoteStore *store.Facade, metadata MetadataWriter) *SetOperation {
	return &SetOperation{
		base:   base{key: key, MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff(), Metadata: metadata},
		Local:  local,
		Remote: remoteStore,
	}
}

// Execute runs the operation's lifecycle (spec.md §4.10 "SetOperation":
// "reads the current value from local storage; computes digest...; opens a
// transaction on the remote facade and calls backup...; on commit, records
// Synced metadata with the computed digest").
func (o *SetOperation) Execute(ctx context.Context) Result {
	return runLifecycle(o.key, o.Metadata, o.RetryCount, o.MaxRetries, false, func() (string, error) {
		value, ok, err := o.Local.Get(ctx, o.key)
		if err != nil {
			return "", err
		}
		var digest string
		if ok {
			digest = hash.Digest(value, "")
		}

		txErr := o.Remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
			return o.Remote.Backup(ctx, o.key, value, &store.BackupOptions{Transaction: tx})
		})
		if txErr != nil {
			return "", txErr
		}
		return digest, nil
	})
}

// Retry returns a copy of o with RetryCount+1, used by oprepo when
// re-enqueuing a retryable failure (spec.md §4.11 "re-enqueues the
// operation with incremented retry count").
func (o *SetOperation) Retry() Operation {
	next := *o
	next.RetryCount++
	return &next
}

// DeleteOperation removes key from both local storage and the remote store
// (spec.md §4.10 "DeleteOperation").
type DeleteOperation struct {
	base
	Local  localstore.Store
	Remote *store.Facade
}

// NewDeleteOperation builds a DeleteOperation with spec.md §4.10's defaults.
func NewDeleteOperation(key string, local localstore.Store, remoteStore *store.Facade, metadata MetadataWriter) *DeleteOperation {
	return &DeleteOperation{
		base:   base{key: key, MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff(), Metadata: metadata},
		Local:  local,
		Remote: remoteStore,
	}
}

// Execute runs the operation's lifecycle (spec.md §4.10 "DeleteOperation":
// "removes key from local storage and from remote; on success records
// {status:Synced, version:now, digest:''}").
func (o *DeleteOperation) Execute(ctx context.Context) Result {
	return runLifecycle(o.key, o.Metadata, o.RetryCount, o.MaxRetries, true, func() (string, error) {
		if err := o.Local.Delete(ctx, o.key); err != nil {
			return "", err
		}
		if err := o.Remote.Delete(ctx, o.key); err != nil {
			return "", err
		}
		return "", nil
	})
}

// Retry returns a copy of o with RetryCount+1.
func (o *DeleteOperation) Retry() Operation {
	next := *o
	next.RetryCount++
	return &next
}

// Operation is the narrow interface oprepo drives: execute, report the key,
// and produce an incremented-retry copy of yourself for re-enqueueing.
type Operation interface {
	Key() string
	Execute(ctx context.Context) Result
	NextDelay() time.Duration
	Retry() Operation
}

// Key exposes base.key through the Operation interface.
func (o *SetOperation) Key() string    { return o.base.key }
func (o *DeleteOperation) Key() string { return o.base.key }
