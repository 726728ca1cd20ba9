// Package store is the remote store facade (spec.md §4.6, component C6): it
// combines the reference resolver, data processor, and chunk manager into
// backup/fetch/delete/runTransaction/dangerouslyDelete, translating the
// underlying adapter's native error codes into ganon's SyncErrorType
// taxonomy.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/chunk"
	"github.com/potionforge/ganon/dataproc"
	"github.com/potionforge/ganon/internal/core"
	"github.com/potionforge/ganon/remote"
	"github.com/potionforge/ganon/resolver"

	"go.uber.org/zap"
)

// TransactionTimeout bounds every RunTransaction execution (spec.md §4.6:
// "each execution is wrapped in a 10-second timeout").
const TransactionTimeout = 10 * time.Second

// BackupOptions configures a single Backup call.
type BackupOptions struct {
	// Transaction, if set, routes the write through this transaction handle
	// instead of issuing it directly.
	Transaction remote.Transaction
}

// Facade is the C6 remote store facade.
type Facade struct {
	adapter  remote.Adapter
	resolver *resolver.Resolver
	chunks   *chunk.Manager

	txMu   sync.Mutex
	txTail chan struct{} // closed when the most recently queued transaction releases its slot
}

// New builds a Facade over adapter, resolver, and the chunk manager.
func New(adapter remote.Adapter, res *resolver.Resolver) *Facade {
	return &Facade{adapter: adapter, resolver: res, chunks: chunk.New(adapter)}
}

// Backup writes value for key (spec.md §4.6 "backup"). A nil value is
// treated as Delete(key).
func (f *Facade) Backup(ctx context.Context, key string, value interface{}, opts *BackupOptions) error {
	if key == "" {
		return ganon.NewSyncError(ganon.SyncValidationError, key, ganon.ErrUnknownKey)
	}
	if value == nil {
		return f.Delete(ctx, key)
	}

	if res := dataproc.Validate(value); !res.IsValid {
		core.Warn("store: value failed validation, proceeding anyway", zap.String("key", key), zap.Strings("errors", res.Errors))
	}

	ref, kind, err := f.resolver.RefFor(key)
	if err != nil {
		return err
	}

	var tx remote.Transaction
	if opts != nil {
		tx = opts.Transaction
	}

	switch kind {
	case ganon.DocKey:
		sanitized := dataproc.Sanitize(value, dataproc.DefaultMaxDepth)
		fieldName := dataproc.SanitizeFieldName(key)
		body := map[string]interface{}{fieldName: sanitized}
		if tx != nil {
			tx.Set(ref, body, true)
			return nil
		}
		return f.mapErr(key, f.adapter.Set(ctx, ref, body, true))
	case ganon.SubcollectionKey:
		sanitized := dataproc.Sanitize(value, dataproc.DefaultMaxDepth)
		return f.mapErr(key, f.chunks.Write(ctx, ref, key, sanitized, tx))
	default:
		return ganon.NewSyncError(ganon.SyncConfigurationError, key, ganon.ErrUnknownKey)
	}
}

// Fetch reads and restores the value stored for key, returning ok=false if
// the document doesn't exist or the field is absent (spec.md §4.6 "fetch").
func (f *Facade) Fetch(ctx context.Context, key string) (interface{}, bool, error) {
	ref, kind, err := f.resolver.RefFor(key)
	if err != nil {
		return nil, false, err
	}

	switch kind {
	case ganon.DocKey:
		doc, err := f.adapter.Get(ctx, ref)
		if err != nil {
			return nil, false, f.mapErr(key, err)
		}
		if !doc.Exists {
			return nil, false, nil
		}
		fieldName := dataproc.SanitizeFieldName(key)
		if v, ok := doc.Data[fieldName]; ok {
			return dataproc.Restore(v), true, nil
		}
		// Back-compat dual-read: an older write may have used the raw,
		// unsanitized field name (spec.md §9 "Back-compat field names").
		if v, ok := doc.Data[key]; ok {
			return dataproc.Restore(v), true, nil
		}
		return nil, false, nil
	case ganon.SubcollectionKey:
		value, ok, err := f.chunks.Read(ctx, ref)
		if err != nil {
			return nil, false, f.mapErr(key, err)
		}
		if !ok {
			return nil, false, nil
		}
		return dataproc.Restore(value), true, nil
	default:
		return nil, false, ganon.NewSyncError(ganon.SyncConfigurationError, key, ganon.ErrUnknownKey)
	}
}

// Delete removes key's value from the remote store (spec.md §4.6 "delete").
func (f *Facade) Delete(ctx context.Context, key string) error {
	ref, kind, err := f.resolver.RefFor(key)
	if err != nil {
		return err
	}

	switch kind {
	case ganon.DocKey:
		fieldName := dataproc.SanitizeFieldName(key)
		// Delete both the sanitized and legacy raw field in one update so a
		// document written under the old naming scheme is cleaned up too.
		update := map[string]interface{}{fieldName: nil}
		if fieldName != key {
			update[key] = nil
		}
		return f.mapErr(key, f.adapter.Update(ctx, ref, update))
	case ganon.SubcollectionKey:
		return f.mapErr(key, f.chunks.Delete(ctx, ref))
	default:
		return ganon.NewSyncError(ganon.SyncConfigurationError, key, ganon.ErrUnknownKey)
	}
}

// RunTransaction executes fn against the adapter's transaction support,
// serializing so at most one transaction is in flight at a time, with
// other callers queued FIFO (spec.md §5 "Remote transactions"). Each
// execution is bounded by TransactionTimeout.
func (f *Facade) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Transaction) error) error {
	release, err := f.acquireTxSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	txCtx, cancel := context.WithTimeout(ctx, TransactionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.adapter.RunTransaction(txCtx, fn)
	}()

	select {
	case err := <-done:
		return f.mapErr("", err)
	case <-txCtx.Done():
		return ganon.NewSyncError(ganon.SyncTimeout, "", txCtx.Err())
	}
}

// acquireTxSlot blocks until it is this caller's turn to run a transaction.
// It implements the FIFO queue of spec.md §5 ("Remote transactions: at most
// one in flight; others queued FIFO") as a ticket lock: each caller chains a
// new "tail" channel behind whichever one was tail when it arrived, and
// waits on the channel it displaced.
func (f *Facade) acquireTxSlot(ctx context.Context) (func(), error) {
	f.txMu.Lock()
	wait := f.txTail
	myTurn := make(chan struct{})
	f.txTail = myTurn
	f.txMu.Unlock()

	release := func() {
		select {
		case <-myTurn:
		default:
			close(myTurn)
		}
	}

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			// A caller already chained behind myTurn (wait = myTurn in its
			// own acquireTxSlot call) would block forever if we bailed out
			// here without handing off the ticket. The hand-off waits for our
			// predecessor to release, so that caller never runs while the
			// predecessor is still in flight.
			go func() {
				<-wait
				release()
			}()
			return nil, ganon.NewSyncError(ganon.SyncTimeout, "", ctx.Err())
		}
	}

	return release, nil
}

// DangerouslyDelete removes the user's entire backup document tree: the
// document itself and every subcollection passed in (spec.md §4.6). It
// attempts every delete even when an earlier one fails, and returns all
// failures together as a SyncMultipleErrors error.
func (f *Facade) DangerouslyDelete(ctx context.Context, documentRef remote.Ref, subcollections []remote.Ref) error {
	var errs []error
	if err := f.adapter.Delete(ctx, documentRef); err != nil {
		errs = append(errs, err)
	}
	for _, sub := range subcollections {
		if err := f.chunks.Delete(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		core.Warn("store: dangerouslyDelete encountered errors", zap.Int("errorCount", len(errs)))
		return ganon.NewMultipleErrors(documentRef.Path, errs)
	}
	return nil
}

// mapErr translates a remote.CodedError into ganon's SyncErrorType taxonomy
// (spec.md §4.6 error mapping table). Non-coded errors become SyncFailed.
func (f *Facade) mapErr(key string, err error) error {
	if err == nil {
		return nil
	}
	// Already-typed errors (e.g. a resolver failure surfaced from inside a
	// RunTransaction callback) pass through unchanged rather than being
	// flattened to SyncFailed.
	if se, ok := err.(*ganon.SyncError); ok {
		return se
	}
	if _, ok := err.(*remote.ErrReadonly); ok {
		return ganon.NewSyncError(ganon.SyncConfigurationError, key, err)
	}

	coded, ok := err.(*remote.CodedError)
	if !ok {
		return ganon.NewSyncError(ganon.SyncFailed, key, err)
	}

	switch coded.Code {
	case remote.CodePermissionDenied:
		return ganon.NewSyncError(ganon.SyncNetworkError, key, err)
	case remote.CodeUnavailable, remote.CodeDeadlineExceeded:
		return ganon.NewSyncError(ganon.SyncTimeout, key, err)
	case remote.CodeResourceExhausted, remote.CodeInvalidArgument, remote.CodeFailedPrecondition,
		remote.CodeNotFound, remote.CodeOutOfRange:
		return ganon.NewSyncError(ganon.SyncValidationError, key, err)
	case remote.CodeAlreadyExists:
		return ganon.NewSyncError(ganon.SyncConflict, key, err)
	case remote.CodeAborted, remote.CodeInternal:
		return ganon.NewSyncError(ganon.SyncFailed, key, err)
	case remote.CodeUnimplemented:
		return ganon.NewSyncError(ganon.SyncConfigurationError, key, err)
	default:
		return ganon.NewSyncError(ganon.SyncNetworkError, key, err)
	}
}
