// Package coordinator is the remote metadata coordinator (spec.md §4.8,
// component C8): one instance per remote document, caching that document's
// reserved metadata field, debouncing writes back to it, and resolving
// conflicts between the cached remote view and local state.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/internal/core"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/remote"

	"go.uber.org/zap"
)

// ReservedField is the document field the coordinator owns exclusively; no
// ganon key may sanitize to this name (dataproc.SanitizeFieldName never
// produces it, since a name of the "__x__" shape gets an "esc_" prefix).
const ReservedField = "__ganon_meta__"

// RemoteRecord is the remote-side counterpart of localmeta.Record: what the
// coordinator believes the document currently holds for a key.
type RemoteRecord struct {
	Digest  string `json:"d"`
	Version int64  `json:"v"`
}

// Config tunes one coordinator instance (spec.md §4.8 "config").
type Config struct {
	MaxAge        time.Duration
	BatchSize     int
	RetryAttempts int
	DebounceDelay time.Duration
	MaxPending    int
	Conflict      ganon.ConflictResolutionConfig
}

// DefaultConfig mirrors spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:        5 * time.Minute,
		BatchSize:     50,
		RetryAttempts: 3,
		DebounceDelay: time.Second,
		MaxPending:    1000,
		Conflict: ganon.ConflictResolutionConfig{
			Strategy:            ganon.LastModifiedWins,
			MaxTrackedConflicts: 100,
		},
	}
}

// Coordinator is C8. Construct one per distinct remote document.
type Coordinator struct {
	documentName string
	docRef       remote.Ref
	adapter      remote.Adapter
	local        *localmeta.Metadata
	cfg          Config

	mu            sync.Mutex
	cache         map[string]RemoteRecord
	lastFetchTime time.Time
	dirty         bool
	pendingKeys   map[string]struct{}
	fetchInFlight bool
	debounce      *time.Timer
	cancelled     bool
	conflicts     []ganon.ConflictRecord

	sf singleflight.Group
}

// New builds a Coordinator over the document identified by docRef.
func New(documentName string, docRef remote.Ref, adapter remote.Adapter, local *localmeta.Metadata, cfg Config) *Coordinator {
	return &Coordinator{
		documentName: documentName,
		docRef:       docRef,
		adapter:      adapter,
		local:        local,
		cfg:          cfg,
		cache:        make(map[string]RemoteRecord),
		pendingKeys:  make(map[string]struct{}),
	}
}

// GetRemoteMetadata returns the coordinator's view of the document's remote
// metadata (spec.md §4.8 "getRemoteMetadata"). If the cache is fresh and no
// specific keys were requested, it is returned without a fetch; otherwise a
// single-flight fetch refreshes it first.
func (c *Coordinator) GetRemoteMetadata(ctx context.Context, keys ...string) (map[string]RemoteRecord, error) {
	c.mu.Lock()
	fresh := len(keys) == 0 && time.Since(c.lastFetchTime) < c.cfg.MaxAge && !c.lastFetchTime.IsZero()
	c.mu.Unlock()
	if fresh {
		return c.snapshot(), nil
	}

	_, err, _ := c.sf.Do(c.documentName, func() (interface{}, error) {
		return nil, c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return c.snapshot(), nil
}

func (c *Coordinator) snapshot() map[string]RemoteRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RemoteRecord, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

func (c *Coordinator) fetch(ctx context.Context) error {
	c.mu.Lock()
	c.fetchInFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.fetchInFlight = false
		c.mu.Unlock()
	}()

	doc, err := c.adapter.Get(ctx, c.docRef)
	if err != nil {
		return ganon.NewSyncError(ganon.SyncNetworkError, c.documentName, err)
	}

	result := make(map[string]RemoteRecord)
	if doc.Exists {
		if raw, ok := doc.Data[ReservedField]; ok {
			decoded, err := decodeRecords(raw)
			if err != nil {
				core.Warn("coordinator: failed to decode reserved metadata field, treating as empty",
					zap.String("document", c.documentName), zap.Error(err))
			} else {
				result = decoded
			}
		}
	}

	c.mu.Lock()
	c.cache = result
	c.lastFetchTime = time.Now()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// decodeRecords converts the loosely-typed document field (as returned by a
// generic Adapter.Get) into the strict RemoteRecord map. A round-trip
// through JSON keeps this independent of the adapter's native value types
// (Mongo returns bson.M, the in-memory adapter returns the original Go
// values verbatim).
func decodeRecords(raw interface{}) (map[string]RemoteRecord, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]RemoteRecord)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NeedsHydration reports whether the cached remote version for key exceeds
// localVersion (spec.md §4.8 "needsHydration").
func (c *Coordinator) NeedsHydration(ctx context.Context, key string, localVersion int64) (bool, error) {
	cache, err := c.GetRemoteMetadata(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := cache[key]
	if !ok {
		return false, nil
	}
	return rec.Version > localVersion, nil
}

// UpdateLocalMetadata merges record into key's existing local metadata and,
// if scheduleRemoteSync is set, marks key pending and arranges a debounced
// flush (spec.md §4.8 "updateLocalMetadata").
func (c *Coordinator) UpdateLocalMetadata(ctx context.Context, key string, record localmeta.Record, scheduleRemoteSync bool) error {
	return c.writeLocalMetadata(ctx, key, scheduleRemoteSync, func() error {
		return c.local.Set(key, record)
	})
}

// ReplaceLocalMetadata hard-overwrites key's local metadata, bypassing
// Metadata.Set's merge semantics, and otherwise behaves like
// UpdateLocalMetadata. Used by DeleteOperation's success path, where an
// empty digest must actually clear the stored digest rather than being
// treated by Set's "empty means keep" merge as no change (spec.md §8
// "After delete(k) success: local[k].digest = ''").
func (c *Coordinator) ReplaceLocalMetadata(ctx context.Context, key string, record localmeta.Record, scheduleRemoteSync bool) error {
	return c.writeLocalMetadata(ctx, key, scheduleRemoteSync, func() error {
		return c.local.Replace(key, record)
	})
}

func (c *Coordinator) writeLocalMetadata(ctx context.Context, key string, scheduleRemoteSync bool, write func() error) error {
	if err := write(); err != nil {
		return err
	}
	if !scheduleRemoteSync {
		return nil
	}

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return nil
	}
	c.pendingKeys[key] = struct{}{}
	forceFlush := len(c.pendingKeys) > c.cfg.MaxPending
	if !forceFlush {
		c.scheduleDebounceLocked(ctx)
	}
	c.mu.Unlock()

	if forceFlush {
		return c.SyncToRemote(ctx)
	}
	return nil
}

func (c *Coordinator) scheduleDebounceLocked(ctx context.Context) {
	if c.debounce != nil {
		return
	}
	c.debounce = time.AfterFunc(c.cfg.DebounceDelay, func() {
		c.mu.Lock()
		c.debounce = nil
		cancelled := c.cancelled
		c.mu.Unlock()
		if cancelled {
			return
		}
		if err := c.SyncToRemote(context.Background()); err != nil {
			core.Warn("coordinator: debounced flush failed", zap.String("document", c.documentName), zap.Error(err))
		}
	})
}

// SyncToRemote flushes every pending key to the document's reserved field in
// one write, resolving any conflicts against the cached remote view first
// (spec.md §4.8 "syncToRemote").
func (c *Coordinator) SyncToRemote(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelled || len(c.pendingKeys) == 0 {
		c.mu.Unlock()
		return nil
	}
	keys := make([]string, 0, len(c.pendingKeys))
	for k := range c.pendingKeys {
		keys = append(keys, k)
	}
	c.pendingKeys = make(map[string]struct{})
	fetchInFlight := c.fetchInFlight
	c.mu.Unlock()

	for _, key := range keys {
		localRec := c.local.Get(key)

		c.mu.Lock()
		remoteRec, hasRemote := c.cache[key]
		c.mu.Unlock()

		merged := RemoteRecord{Digest: localRec.Digest, Version: localRec.Version}
		if hasRemote && !fetchInFlight && remoteRec.Version > localRec.Version && remoteRec.Digest != localRec.Digest {
			resolved, resolvedFrom := Resolve(c.cfg.Conflict.Strategy, localRec, remoteRec)
			merged = resolved
			c.trackConflict(key, localRec, remoteRec, resolvedFrom)
		}

		c.mu.Lock()
		c.cache[key] = merged
		c.mu.Unlock()
	}

	c.mu.Lock()
	body := encodeRecords(c.cache)
	c.mu.Unlock()

	if err := c.adapter.Update(ctx, c.docRef, map[string]interface{}{ReservedField: body}); err != nil {
		return ganon.NewSyncError(ganon.SyncNetworkError, c.documentName, err)
	}

	c.mu.Lock()
	c.dirty = false
	c.lastFetchTime = time.Now()
	c.mu.Unlock()
	return nil
}

func encodeRecords(records map[string]RemoteRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(records))
	for k, v := range records {
		out[k] = map[string]interface{}{"d": v.Digest, "v": v.Version}
	}
	return out
}

func (c *Coordinator) trackConflict(key string, local localmeta.Record, remoteRec RemoteRecord, resolvedFrom string) {
	if !c.cfg.Conflict.TrackConflicts {
		if c.cfg.Conflict.NotifyOnConflict != nil {
			c.cfg.Conflict.NotifyOnConflict(ganon.ConflictRecord{
				ID: uuid.NewString(), Key: key, LocalDigest: local.Digest, LocalVersion: local.Version,
				RemoteDigest: remoteRec.Digest, RemoteVersion: remoteRec.Version,
				ResolvedFrom: resolvedFrom, At: time.Now(),
			})
		}
		return
	}
	rec := ganon.ConflictRecord{
		ID: uuid.NewString(), Key: key, LocalDigest: local.Digest, LocalVersion: local.Version,
		RemoteDigest: remoteRec.Digest, RemoteVersion: remoteRec.Version,
		ResolvedFrom: resolvedFrom, At: time.Now(),
	}
	c.mu.Lock()
	c.conflicts = append(c.conflicts, rec)
	max := c.cfg.Conflict.MaxTrackedConflicts
	if max > 0 && len(c.conflicts) > max {
		c.conflicts = c.conflicts[len(c.conflicts)-max:]
	}
	c.mu.Unlock()
	if c.cfg.Conflict.NotifyOnConflict != nil {
		c.cfg.Conflict.NotifyOnConflict(rec)
	}
}

// RecentConflicts returns a copy of the tracked conflict ring buffer.
func (c *Coordinator) RecentConflicts() []ganon.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ganon.ConflictRecord, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// EnsureConsistency flushes any pending writes, then reconciles key against
// the cached remote record: if the two differ, it writes the resolved record
// to local metadata with status Synced; otherwise it returns the local
// record unchanged (spec.md §4.8 "ensureConsistency").
func (c *Coordinator) EnsureConsistency(ctx context.Context, key string) (localmeta.Record, error) {
	c.mu.Lock()
	_, pending := c.pendingKeys[key]
	c.mu.Unlock()
	if pending {
		if err := c.SyncToRemote(ctx); err != nil {
			return localmeta.Record{}, err
		}
	}

	cache, err := c.GetRemoteMetadata(ctx)
	if err != nil {
		return localmeta.Record{}, err
	}

	localRec := c.local.Get(key)
	remoteRec, hasRemote := cache[key]
	if !hasRemote || (remoteRec.Digest == localRec.Digest && remoteRec.Version == localRec.Version) {
		return localRec, nil
	}

	resolved, _ := Resolve(c.cfg.Conflict.Strategy, localRec, remoteRec)
	final := localmeta.Record{Digest: resolved.Digest, Version: resolved.Version, SyncStatus: localmeta.Synced}
	if err := c.local.Replace(key, final); err != nil {
		return localmeta.Record{}, err
	}
	return final, nil
}

// InvalidateCache forces the next GetRemoteMetadata call to re-fetch (spec.md
// §4.8 "invalidateCache").
func (c *Coordinator) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFetchTime = time.Time{}
}

// CancelPendingOperations stops the debounce timer and clears pending state
// and cache, used on user change/logout (spec.md §4.8
// "cancelPendingOperations", §5 "Cancellation").
func (c *Coordinator) CancelPendingOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.pendingKeys = make(map[string]struct{})
	c.cache = make(map[string]RemoteRecord)
	c.lastFetchTime = time.Time{}
	c.cancelled = true
}

// Resolve implements the conflict resolver of spec.md §4.8: LocalWins keeps
// local, RemoteWins keeps remote, LastModifiedWins (the default) keeps
// whichever has the higher version, ties going to local.
func Resolve(strategy ganon.ConflictResolutionStrategy, local localmeta.Record, remote RemoteRecord) (RemoteRecord, string) {
	switch strategy {
	case ganon.LocalWins:
		return RemoteRecord{Digest: local.Digest, Version: local.Version}, "local"
	case ganon.RemoteWins:
		return remote, "remote"
	default: // LastModifiedWins
		if remote.Version > local.Version {
			return remote, "remote"
		}
		return RemoteRecord{Digest: local.Digest, Version: local.Version}, "local"
	}
}
