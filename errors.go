package ganon

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// SyncErrorType classifies a SyncError for retry and reporting purposes.
// It mirrors the taxonomy in spec.md §6.
type SyncErrorType string

const (
	// SyncConflict marks a write-side conflict that was not auto-resolved.
	SyncConflict SyncErrorType = "SyncConflict"
	// SyncFailed is a generic, potentially transient, failure.
	SyncFailed SyncErrorType = "SyncFailed"
	// SyncTimeout marks an operation that exceeded its deadline.
	SyncTimeout SyncErrorType = "SyncTimeout"
	// SyncNetworkError marks a transport-level failure reaching the remote store.
	SyncNetworkError SyncErrorType = "SyncNetworkError"
	// SyncValidationError marks a fatal, non-retryable input problem.
	SyncValidationError SyncErrorType = "SyncValidationError"
	// SyncConfigurationError marks a fatal misconfiguration (e.g. no logged-in user).
	SyncConfigurationError SyncErrorType = "SyncConfigurationError"
	// SyncMultipleErrors wraps several child errors from a batch operation.
	SyncMultipleErrors SyncErrorType = "SyncMultipleErrors"
	// IntegrityFailure marks a persistent digest mismatch after hydration.
	IntegrityFailure SyncErrorType = "IntegrityFailure"
)

// Sentinel errors for use with errors.Is against the Kind-carrying SyncError.
var (
	// ErrNoUser is returned when an operation requires a logged-in user but
	// none is configured.
	ErrNoUser = errors.New("ganon: no user logged in")
	// ErrUnknownKey is returned when a key is absent from the schema.
	ErrUnknownKey = errors.New("ganon: key not present in cloud config")
	// ErrReadonly names a write rejected by a read-only adapter. Adapters
	// report *remote.ErrReadonly, which store maps to SyncConfigurationError;
	// no ganon operation returns this sentinel itself.
	ErrReadonly = errors.New("ganon: remote adapter is read-only")
	// ErrTransactionQueueClosed names a shut-down transaction queue. The
	// store's transaction queue has no shutdown, so no ganon operation
	// returns this sentinel.
	ErrTransactionQueueClosed = errors.New("ganon: transaction queue closed")
)

// SyncError is the error type returned by every ganon operation that can fail.
// It always carries a Kind so callers can branch on the taxonomy, and an
// optional RetryCount/Children for diagnostics.
type SyncError struct {
	Kind       SyncErrorType
	Key        string
	Message    string
	RetryCount int
	Children   []error
	cause      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Key, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, so errors.Is/As keep working
// through a SyncError.
func (e *SyncError) Unwrap() error { return e.cause }

// NewSyncError builds a SyncError of the given kind wrapping cause.
func NewSyncError(kind SyncErrorType, key string, cause error) *SyncError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &SyncError{Kind: kind, Key: key, Message: msg, cause: cause}
}

// NewMultipleErrors aggregates errs into one SyncMultipleErrors SyncError.
// It uses multierr to join the children for a readable Error() string while
// keeping every individual cause retrievable via Children.
func NewMultipleErrors(key string, errs []error) *SyncError {
	joined := multierr.Combine(errs...)
	return &SyncError{
		Kind:     SyncMultipleErrors,
		Key:      key,
		Message:  joined.Error(),
		Children: errs,
		cause:    joined,
	}
}

// AsSyncError unwraps err looking for a *SyncError, wrapping it as SyncFailed
// if it is a plain error. This is used at operation boundaries (spec §4.10
// rule 5: "error is always the sync-typed error; non-typed wrapped as
// SyncFailed").
func AsSyncError(key string, err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return NewSyncError(SyncFailed, key, err)
}

// Retryable reports whether an error of this kind should ever be retried,
// independent of remaining retry budget (spec §4.10 "Retry classification").
func (k SyncErrorType) Retryable() bool {
	switch k {
	case SyncConfigurationError, SyncConflict, SyncValidationError, SyncMultipleErrors:
		return false
	default:
		return true
	}
}
