// Package remote defines the narrow capability surface ganon needs from a
// remote, document-oriented store (spec.md §4.2, component C2). Ganon never
// depends on a concrete store beyond this interface; see remote/mongoadapter
// for a production implementation over MongoDB and remote/memadapter for an
// in-memory one used by tests.
package remote

import "context"

// Ref identifies a single document or a collection of documents within the
// remote store. Collection refs are always scoped under a parent document.
type Ref struct {
	// Path is the adapter-specific location, e.g. "users/u1/backup/profile"
	// for a document or "users/u1/backup/profile/items" for a collection.
	Path string
}

// Child returns the ref for a document named name inside the collection ref
// identifies.
func (r Ref) Child(name string) Ref {
	return Ref{Path: r.Path + "/" + name}
}

// Doc is a snapshot of a single remote document.
type Doc struct {
	// Exists is false when the document has no data at the requested ref.
	Exists bool
	// Data is the document body. Never nil when Exists is true.
	Data map[string]interface{}
}

// Document is the capability set for operating on one document.
type Document interface {
	Get(ctx context.Context, ref Ref) (Doc, error)
	Set(ctx context.Context, ref Ref, data map[string]interface{}, merge bool) error
	Update(ctx context.Context, ref Ref, data map[string]interface{}) error
	Delete(ctx context.Context, ref Ref) error
}

// Collection is the capability set for operating on a set of sibling
// documents under a parent.
type Collection interface {
	// List returns every document currently stored under ref, keyed by its
	// document id (the last path segment).
	List(ctx context.Context, ref Ref) (map[string]Doc, error)
}

// BatchWriter accumulates a set of writes to commit atomically as a unit
// (spec.md §4.2 writeBatch()).
type BatchWriter interface {
	Set(ref Ref, data map[string]interface{}, merge bool)
	Update(ref Ref, data map[string]interface{})
	Delete(ref Ref)
	Commit(ctx context.Context) error
}

// Transaction is the handle passed to a RunTransaction callback.
type Transaction interface {
	Get(ctx context.Context, ref Ref) (Doc, error)
	Set(ref Ref, data map[string]interface{}, merge bool)
	Update(ref Ref, data map[string]interface{})
	Delete(ref Ref)
}

// Adapter is the full surface spec.md §4.2 requires of a remote store
// driver.
type Adapter interface {
	Document
	Collection

	// WriteBatch returns a new, empty BatchWriter.
	WriteBatch() BatchWriter

	// RunTransaction executes fn with a Transaction handle. The adapter is
	// responsible for retrying on the underlying store's own optimistic
	// concurrency failures; ganon's store facade layers its own queueing
	// and timeout on top (spec.md §4.6).
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// Readonly reports whether this adapter instance is configured to
	// reject writes (spec.md §4.2 "Read-only mode").
	Readonly() bool
}

// Code is a store-native error code, abstracted from whatever the concrete
// driver uses (Firestore-style status strings, Mongo server error codes,
// etc). Adapters map their native errors to one of these before returning,
// so store.Facade's error-mapping table (spec.md §4.6) has a single,
// store-agnostic vocabulary to switch on.
type Code string

const (
	CodePermissionDenied  Code = "permission-denied"
	CodeUnavailable       Code = "unavailable"
	CodeDeadlineExceeded  Code = "deadline-exceeded"
	CodeResourceExhausted Code = "resource-exhausted"
	CodeInvalidArgument   Code = "invalid-argument"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeNotFound          Code = "not-found"
	CodeOutOfRange        Code = "out-of-range"
	CodeAlreadyExists     Code = "already-exists"
	CodeAborted           Code = "aborted"
	CodeInternal          Code = "internal"
	CodeUnimplemented     Code = "unimplemented"
	CodeUnknown           Code = "unknown"
)

// CodedError is an error tagged with a store-native Code, the shape every
// Adapter implementation should return so store.Facade can map it (spec.md
// §4.6 error mapping table).
type CodedError struct {
	Code    Code
	Message string
}

func (e *CodedError) Error() string { return string(e.Code) + ": " + e.Message }

// NewCodedError builds a CodedError.
func NewCodedError(code Code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// ErrReadonly is returned by write operations on a readonly adapter.
type ErrReadonly struct{ Op string }

func (e *ErrReadonly) Error() string { return "remote: read-only adapter rejected " + e.Op }
