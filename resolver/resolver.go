// Package resolver maps a logical key to its remote.Ref using the cloud
// schema and the current user (spec.md §4.4, component C4).
package resolver

import (
	"fmt"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/remote"
)

// CurrentUser is consulted on every RefFor call rather than read from a
// process-wide global (spec.md §9 "Global-ish state (current user)"),
// keeping the logged-in identity an explicit, swappable context value.
type CurrentUser func() (uid string, ok bool)

// Resolver implements spec.md §4.4's refFor.
type Resolver struct {
	lookup map[string]ganon.KeyLookup
	user   CurrentUser
}

// New builds a Resolver from a schema's precomputed key lookup (see
// ganon.CloudConfig.Lookup) and a CurrentUser accessor.
func New(lookup map[string]ganon.KeyLookup, user CurrentUser) *Resolver {
	return &Resolver{lookup: lookup, user: user}
}

// RefFor resolves key to (ref, kind). It returns a SyncConfigurationError if
// no user is logged in, or a SyncValidationError if the key is absent from
// the schema — both fatal, non-retryable per spec.md §4.4/§7.
func (r *Resolver) RefFor(key string) (remote.Ref, ganon.KeyKind, error) {
	uid, ok := r.user()
	if !ok || uid == "" {
		return remote.Ref{}, "", ganon.NewSyncError(ganon.SyncConfigurationError, key, ganon.ErrNoUser)
	}

	entry, ok := r.lookup[key]
	if !ok {
		return remote.Ref{}, "", ganon.NewSyncError(ganon.SyncValidationError, key, ganon.ErrUnknownKey)
	}

	docRef := remote.Ref{Path: fmt.Sprintf("users/%s/backup/%s", uid, entry.Document)}
	if entry.Kind == ganon.DocKey {
		return docRef, ganon.DocKey, nil
	}
	return docRef.Child(key), ganon.SubcollectionKey, nil
}

// DocumentRef returns the owning document ref for key without regard to its
// kind, used by callers that always need the parent document (e.g. the
// remote metadata coordinator, which stores its reserved field directly on
// the document regardless of whether key itself is a doc or subcollection
// key).
func (r *Resolver) DocumentRef(key string) (remote.Ref, error) {
	uid, ok := r.user()
	if !ok || uid == "" {
		return remote.Ref{}, ganon.NewSyncError(ganon.SyncConfigurationError, key, ganon.ErrNoUser)
	}
	entry, ok := r.lookup[key]
	if !ok {
		return remote.Ref{}, ganon.NewSyncError(ganon.SyncValidationError, key, ganon.ErrUnknownKey)
	}
	return remote.Ref{Path: fmt.Sprintf("users/%s/backup/%s", uid, entry.Document)}, nil
}

// DocumentRefForName returns the ref for documentName directly, used by the
// coordinator which is keyed by document name rather than by logical key.
func (r *Resolver) DocumentRefForName(documentName string) (remote.Ref, error) {
	uid, ok := r.user()
	if !ok || uid == "" {
		return remote.Ref{}, ganon.NewSyncError(ganon.SyncConfigurationError, documentName, ganon.ErrNoUser)
	}
	return remote.Ref{Path: fmt.Sprintf("users/%s/backup/%s", uid, documentName)}, nil
}
