// Package metamanager is the metadata manager (spec.md §4.9, component C9):
// it builds the key -> owning-document map from the schema and routes every
// metadata call to that document's coordinator.
package metamanager

import (
	"context"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/coordinator"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/remote"
)

// CoordinatorFactory builds (or returns a cached) Coordinator for
// documentName. Manager calls this lazily, once per document it has never
// routed to before.
type CoordinatorFactory func(documentName string) (*coordinator.Coordinator, error)

// Manager is C9. It holds no coordinators itself — construction is deferred
// to factory so callers control lifetime and document-ref resolution (which
// needs the current user, see resolver.DocumentRefForName).
type Manager struct {
	keyToDocument map[string]string
	local         *localmeta.Metadata
	factory       CoordinatorFactory

	coordinators map[string]*coordinator.Coordinator
}

// New builds a Manager from schema (spec.md §4.9 "Builds a key -> documentName
// map from the schema, filtering out invalid keys").
func New(schema ganon.CloudConfig, local *localmeta.Metadata, factory CoordinatorFactory) *Manager {
	m := &Manager{
		local:        local,
		factory:      factory,
		coordinators: make(map[string]*coordinator.Coordinator),
	}
	m.rebuild(schema)
	return m
}

// ReplaceSchema rebuilds the key -> document map from a new schema (spec.md
// §4.9 "rebuilding on schema replacement"), dropping any coordinators whose
// document no longer exists in the new schema.
func (m *Manager) ReplaceSchema(schema ganon.CloudConfig) {
	m.rebuild(schema)
}

func (m *Manager) rebuild(schema ganon.CloudConfig) {
	lookup := schema.Lookup()
	keyToDocument := make(map[string]string, len(lookup))
	liveDocuments := make(map[string]struct{})
	for key, entry := range lookup {
		keyToDocument[key] = entry.Document
		liveDocuments[entry.Document] = struct{}{}
	}
	m.keyToDocument = keyToDocument

	for doc, c := range m.coordinators {
		if _, ok := liveDocuments[doc]; !ok {
			c.CancelPendingOperations()
			delete(m.coordinators, doc)
		}
	}
}

// coordinatorFor returns key's coordinator, constructing it on first use.
// Returns nil, nil when key is not in the schema — callers no-op or return
// the default record in that case (spec.md §4.9 "when no coordinator exists
// the call is a no-op or returns the default record").
func (m *Manager) coordinatorFor(key string) (*coordinator.Coordinator, error) {
	doc, ok := m.keyToDocument[key]
	if !ok {
		return nil, nil
	}
	if c, ok := m.coordinators[doc]; ok {
		return c, nil
	}
	c, err := m.factory(doc)
	if err != nil {
		return nil, err
	}
	m.coordinators[doc] = c
	return c, nil
}

// HydrateMetadata ensures key's coordinator has a fresh cache and returns the
// remote record it holds for key, if any (spec.md §4.9 "hydrateMetadata").
func (m *Manager) HydrateMetadata(ctx context.Context, key string) (coordinator.RemoteRecord, bool, error) {
	c, err := m.coordinatorFor(key)
	if err != nil {
		return coordinator.RemoteRecord{}, false, err
	}
	if c == nil {
		return coordinator.RemoteRecord{}, false, nil
	}
	records, err := c.GetRemoteMetadata(ctx)
	if err != nil {
		return coordinator.RemoteRecord{}, false, err
	}
	rec, ok := records[key]
	return rec, ok, nil
}

// NeedsHydration delegates to key's coordinator (spec.md §4.9
// "needsHydration").
func (m *Manager) NeedsHydration(ctx context.Context, key string) (bool, error) {
	c, err := m.coordinatorFor(key)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	return c.NeedsHydration(ctx, key, m.local.Get(key).Version)
}

// GetRemoteMetadataOnly returns the cached remote record for key without
// forcing hydration semantics, or the zero value if absent or unrouted
// (spec.md §4.9 "getRemoteMetadataOnly").
func (m *Manager) GetRemoteMetadataOnly(ctx context.Context, key string) (coordinator.RemoteRecord, bool, error) {
	return m.HydrateMetadata(ctx, key)
}

// InvalidateCache invalidates every routed coordinator's cache (spec.md §4.9
// "invalidateCache").
func (m *Manager) InvalidateCache() {
	for _, c := range m.coordinators {
		c.InvalidateCache()
	}
}

// InvalidateCacheForHydration invalidates only the coordinator that owns key
// (spec.md §4.9 "invalidateCacheForHydration").
func (m *Manager) InvalidateCacheForHydration(key string) {
	doc, ok := m.keyToDocument[key]
	if !ok {
		return
	}
	if c, ok := m.coordinators[doc]; ok {
		c.InvalidateCache()
	}
}

// Set writes key's local metadata and, through the owning coordinator,
// schedules a remote sync when requested (spec.md §4.9 "set(key, meta,
// scheduleRemoteSync)"). When key has no coordinator this is a no-op beyond
// the local write.
func (m *Manager) Set(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error {
	c, err := m.coordinatorFor(key)
	if err != nil {
		return err
	}
	if c == nil {
		return m.local.Set(key, meta)
	}
	return c.UpdateLocalMetadata(ctx, key, meta, scheduleRemoteSync)
}

// Replace hard-overwrites key's local metadata, bypassing Set's merge
// semantics, routing through the owning coordinator's ReplaceLocalMetadata
// the same way Set routes to UpdateLocalMetadata. Used by DeleteOperation's
// success path so a cleared digest is actually persisted as empty.
func (m *Manager) Replace(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error {
	c, err := m.coordinatorFor(key)
	if err != nil {
		return err
	}
	if c == nil {
		return m.local.Replace(key, meta)
	}
	return c.ReplaceLocalMetadata(ctx, key, meta, scheduleRemoteSync)
}

// UpdateSyncStatus updates key's local sync status (spec.md §4.9
// "updateSyncStatus").
func (m *Manager) UpdateSyncStatus(key string, status localmeta.SyncStatus) error {
	return m.local.UpdateSyncStatus(key, status)
}

// EnsureConsistency delegates to key's coordinator, or returns the plain
// local record when key is unrouted (spec.md §4.9 "ensureConsistency").
func (m *Manager) EnsureConsistency(ctx context.Context, key string) (localmeta.Record, error) {
	c, err := m.coordinatorFor(key)
	if err != nil {
		return localmeta.Record{}, err
	}
	if c == nil {
		return m.local.Get(key), nil
	}
	return c.EnsureConsistency(ctx, key)
}

// Get returns key's plain local record without touching any coordinator,
// used by callers (the sync controller) that need to compare a freshly
// computed digest against what's already on disk before deciding whether a
// mutation is worth marking pending.
func (m *Manager) Get(key string) localmeta.Record {
	return m.local.Get(key)
}

// CancelAll cancels every routed coordinator's pending operations and drops
// them, used on user change/logout (spec.md §5 "Cancellation"). A cancelled
// coordinator refuses further writes permanently, so it must not be reused
// for the next login — coordinatorFor rebuilds a fresh one on next use.
func (m *Manager) CancelAll() {
	for doc, c := range m.coordinators {
		c.CancelPendingOperations()
		delete(m.coordinators, doc)
	}
}

// DocumentRefResolver is satisfied by resolver.Resolver; kept as a narrow
// interface here so metamanager doesn't import resolver directly.
type DocumentRefResolver interface {
	DocumentRefForName(documentName string) (remote.Ref, error)
}
