// Package localmeta owns the local, authoritative {key -> metadata} map
// (spec.md §4.7, component C7): per-key digest/version/status, persisted as
// one serialized blob under a single reserved storage key.
package localmeta

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/potionforge/ganon/internal/core"
	"go.uber.org/zap"
)

// ReservedStorageKey is the single local-storage key under which the whole
// metadata map is serialized (spec.md §6 "Persistence layout").
const ReservedStorageKey = "__ganon_local_metadata__"

// SyncStatus is a key's local sync lifecycle state (spec.md §3).
type SyncStatus string

const (
	Synced     SyncStatus = "synced"
	Pending    SyncStatus = "pending"
	InProgress SyncStatus = "in_progress"
	Failed     SyncStatus = "failed"
)

// Record is LocalSyncMetadata (spec.md §3). The zero value has an empty
// SyncStatus; the record for a key with no history is DefaultRecord():
// empty digest, version 0, Synced.
type Record struct {
	Digest     string     `json:"d"`
	Version    int64      `json:"v"`
	SyncStatus SyncStatus `json:"s"`
}

// DefaultRecord is the record returned for any key that has never been
// written (spec.md §3 "Default for unknown keys").
func DefaultRecord() Record {
	return Record{Digest: "", Version: 0, SyncStatus: Synced}
}

// Store is the durability backend for the serialized metadata blob. It is
// intentionally tiny — a single get/set pair on one reserved key — so any
// key/value engine can back it.
type Store interface {
	Load(reservedKey string) ([]byte, bool, error)
	Save(reservedKey string, data []byte) error
}

// Metadata is the in-memory {key -> Record} map with write-through
// persistence (spec.md §4.7).
type Metadata struct {
	mu      sync.RWMutex
	records map[string]Record
	store   Store
}

// New loads any existing blob from store and returns a ready Metadata. A
// missing blob (first run) starts from an empty map, not an error.
func New(store Store) (*Metadata, error) {
	m := &Metadata{records: make(map[string]Record), store: store}
	raw, ok, err := store.Load(ReservedStorageKey)
	if err != nil {
		return nil, err
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &m.records); err != nil {
			core.Warn("localmeta: failed to parse persisted metadata, starting empty", zap.Error(err))
			m.records = make(map[string]Record)
		}
	}
	return m, nil
}

// Get returns key's record, or DefaultRecord() if key has no history
// (spec.md §4.7 "get(key)").
func (m *Metadata) Get(key string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[key]; ok {
		return r
	}
	return DefaultRecord()
}

// Has reports whether key has ever been recorded.
func (m *Metadata) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok
}

// Set merges record into key's existing entry and persists (spec.md §4.7
// "set(key, record) (merges with existing)"). Zero-value fields in record
// do not overwrite existing non-zero fields, so Set can never clear a stored
// digest; callers wanting a hard replacement use Replace.
func (m *Metadata) Set(key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[key]
	if !ok {
		existing = DefaultRecord()
	}
	if record.Digest != "" || !ok {
		existing.Digest = record.Digest
	}
	if record.Version != 0 {
		existing.Version = record.Version
	}
	if record.SyncStatus != "" {
		existing.SyncStatus = record.SyncStatus
	}
	m.records[key] = existing
	return m.persistLocked()
}

// Replace is a hard overwrite of key's record — used by callers (the
// coordinator, sync operations) that always compute a complete Record and
// need Set's merge semantics bypassed.
func (m *Metadata) Replace(key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = record
	return m.persistLocked()
}

// UpdateSyncStatus changes only key's status, preserving digest and version
// (spec.md §4.7 "updateSyncStatus(key, status)").
func (m *Metadata) UpdateSyncStatus(key string, status SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[key]
	if !ok {
		existing = DefaultRecord()
	}
	existing.SyncStatus = status
	m.records[key] = existing
	return m.persistLocked()
}

// Remove deletes key's record entirely (spec.md §4.7 "remove(key)").
func (m *Metadata) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return m.persistLocked()
}

// Clear removes every record (spec.md §4.7 "clear()").
func (m *Metadata) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return m.persistLocked()
}

// Keys returns every key with a recorded entry, in no particular order.
func (m *Metadata) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for k := range m.records {
		out = append(out, k)
	}
	return out
}

func (m *Metadata) persistLocked() error {
	data, err := json.Marshal(m.records)
	if err != nil {
		return err
	}
	return m.store.Save(ReservedStorageKey, data)
}

// ResetOnDelete returns the record a key's metadata is set to after a
// successful delete (spec.md §3 "Lifecycle": "metadata is also reset to
// {digest:'', status:Synced, version:now} on successful delete"). It does
// not itself call Replace — callers decide when to apply it so they can
// choose the "now" timestamp.
func ResetOnDelete(now time.Time) Record {
	return Record{Digest: "", Version: now.UnixNano(), SyncStatus: Synced}
}
