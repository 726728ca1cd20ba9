// Package controller is the sync controller (spec.md §4.12, component
// C12): the public façade over everything below it. It turns external
// mutation notifications (markAsPending/markAsDeleted) into batched
// operations, runs single-flight sync, drives interval-based
// autosync and once-per-login hydration, and implements the bulk
// sync/restore/hydrate/forceHydrate operations plus the integrity-check
// recovery state machine.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/coordinator"
	"github.com/potionforge/ganon/hash"
	"github.com/potionforge/ganon/internal/core"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/localstore"
	"github.com/potionforge/ganon/metamanager"
	"github.com/potionforge/ganon/oprepo"
	"github.com/potionforge/ganon/resolver"
	"github.com/potionforge/ganon/store"
	"github.com/potionforge/ganon/syncop"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LastBackupKey is the reserved local key stamped with the current time
// after every batch of successful syncs (spec.md §4.12 "lastBackup").
const LastBackupKey = "__ganon_last_backup__"

// BulkResult is what syncAll returns (spec.md §4.12 "syncAll... returns
// {success, backedUpKeys[], failedKeys[]}").
type BulkResult struct {
	Success      bool
	BackedUpKeys []string
	FailedKeys   []string
}

// HydrateResult is what hydrate/forceHydrate return.
type HydrateResult struct {
	HydratedKeys []string
	FailedKeys   []string
}

// Controller is C12.
type Controller struct {
	cfg         *ganon.Config
	local       localstore.Store
	remote      *store.Facade
	meta        *metamanager.Manager
	repo        *oprepo.Repo
	currentUser resolver.CurrentUser
	schemaKeys  []string

	mu                      sync.Mutex
	syncInProgress          bool
	hasHydratedAfterLogin   bool
	currentUserForHydration string
	ticker                  *time.Ticker
	tickerDone              chan struct{}
}

// New builds a Controller and, per spec.md §4.12, starts the autosync timer
// at construction if configured and attempts a one-time login hydration.
func New(cfg *ganon.Config, local localstore.Store, remoteStore *store.Facade, meta *metamanager.Manager, currentUser resolver.CurrentUser) *Controller {
	lookup := cfg.CloudConfig.Lookup()
	keys := make([]string, 0, len(lookup))
	for k := range lookup {
		keys = append(keys, k)
	}

	c := &Controller{
		cfg:         cfg,
		local:       local,
		remote:      remoteStore,
		meta:        meta,
		repo:        oprepo.New(),
		currentUser: currentUser,
		schemaKeys:  keys,
	}

	if cfg.AutoStartSync && cfg.SyncInterval > 0 {
		c.StartSyncInterval()
	}
	c.attemptLoginHydration(context.Background())
	return c
}

func isReservedLocalKey(key string) bool {
	return key == localmeta.ReservedStorageKey || key == LastBackupKey
}

// MarkAsPending notifies the controller that key's local value changed
// (spec.md §4.12 "markAsPending"). If the newly computed digest matches
// what's already recorded, this is a no-op — nothing to sync.
func (c *Controller) MarkAsPending(ctx context.Context, key string) error {
	value, ok, err := c.local.Get(ctx, key)
	if err != nil {
		return err
	}
	var digest string
	if ok {
		digest = hash.Digest(value, "")
	}

	existing := c.meta.Get(key)
	if digest == existing.Digest {
		return nil
	}

	rec := localmeta.Record{Digest: digest, Version: time.Now().UnixNano(), SyncStatus: localmeta.Pending}
	if err := c.meta.Set(ctx, key, rec, true); err != nil {
		return err
	}
	c.repo.AddOperation(syncop.NewSetOperation(key, c.local, c.remote, c.meta))
	return nil
}

// MarkAsDeleted notifies the controller that key was removed locally
// (spec.md §4.12 "markAsDeleted"): the existing digest/version are kept so
// a concurrent reader still sees the pre-delete state, only the status
// flips to Pending.
func (c *Controller) MarkAsDeleted(ctx context.Context, key string) error {
	existing := c.meta.Get(key)
	rec := localmeta.Record{Digest: existing.Digest, Version: existing.Version, SyncStatus: localmeta.Pending}
	if err := c.meta.Set(ctx, key, rec, true); err != nil {
		return err
	}
	c.repo.AddOperation(syncop.NewDeleteOperation(key, c.local, c.remote, c.meta))
	return nil
}

// SyncPending drains every batched operation (spec.md §4.12 "syncPending").
// A call arriving while one is already in flight is a no-op; any marks that
// land during the drain are picked up by this call if reachable, otherwise
// by the next one.
func (c *Controller) SyncPending(ctx context.Context) error {
	c.mu.Lock()
	if c.syncInProgress {
		c.mu.Unlock()
		return nil
	}
	c.syncInProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncInProgress = false
		c.mu.Unlock()
	}()

	results := c.repo.ProcessOperations(ctx)
	return c.finishBatch(ctx, results)
}

func (c *Controller) finishBatch(ctx context.Context, results []syncop.Result) error {
	successCount := 0
	var errs []error
	for _, r := range results {
		if r.Success {
			successCount++
		} else if !r.ShouldRetry && r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	if successCount > 0 {
		c.stampLastBackup(ctx)
	}
	return multierr.Combine(errs...)
}

func (c *Controller) stampLastBackup(ctx context.Context) {
	if err := c.local.Set(ctx, LastBackupKey, time.Now()); err != nil {
		core.Warn("controller: failed to stamp lastBackup", zap.Error(err))
	}
}

// StartSyncInterval starts the repeating autosync timer (spec.md §4.12
// "autosync"). Idempotent: a call while already running is a no-op.
func (c *Controller) StartSyncInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker != nil || c.cfg.SyncInterval <= 0 {
		return
	}
	c.ticker = time.NewTicker(c.cfg.SyncInterval)
	c.tickerDone = make(chan struct{})
	go c.runInterval(c.ticker, c.tickerDone)
}

func (c *Controller) runInterval(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			if err := c.SyncPending(context.Background()); err != nil {
				core.Warn("controller: autosync failed", zap.Error(err))
			}
		case <-done:
			return
		}
	}
}

// StopSyncInterval stops the autosync timer. Idempotent: a call while
// already stopped is a no-op.
func (c *Controller) StopSyncInterval() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.tickerDone)
	c.ticker = nil
	c.tickerDone = nil
}

// OnUserChanged resets hydration tracking and stops autosync (spec.md §5
// "On user change/logout... the sync controller resets hydration tracking
// and stops its interval"), and cancels every coordinator's pending
// operations.
func (c *Controller) OnUserChanged() {
	c.mu.Lock()
	c.hasHydratedAfterLogin = false
	c.currentUserForHydration = ""
	c.mu.Unlock()
	c.meta.CancelAll()
	c.StopSyncInterval()
}

func (c *Controller) attemptLoginHydration(ctx context.Context) {
	uid, ok := c.currentUser()
	if !ok || uid == "" {
		return
	}

	c.mu.Lock()
	if c.hasHydratedAfterLogin && c.currentUserForHydration == uid {
		c.mu.Unlock()
		return
	}
	c.currentUserForHydration = uid
	c.mu.Unlock()

	if c.cfg.IdentifierKey != "" {
		if _, ok, err := c.local.Get(ctx, c.cfg.IdentifierKey); err != nil || !ok {
			return
		}
	}

	if _, err := c.Hydrate(ctx, nil, "", ganon.IntegrityFailureConfig{}); err != nil {
		core.Warn("controller: login hydration failed", zap.Error(err))
	}

	c.mu.Lock()
	c.hasHydratedAfterLogin = true
	c.mu.Unlock()
}

// SyncAll enqueues a SetOperation for every key the local store holds and
// drains the batch (spec.md §4.12 "syncAll").
func (c *Controller) SyncAll(ctx context.Context) (BulkResult, error) {
	keys, err := c.local.Keys(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	n := 0
	for _, key := range keys {
		if isReservedLocalKey(key) {
			continue
		}
		c.repo.AddOperation(syncop.NewSetOperation(key, c.local, c.remote, c.meta))
		n++
	}
	if n == 0 {
		return BulkResult{Success: true}, nil
	}

	results := c.repo.ProcessOperations(ctx)
	var backed, failed []string
	for _, r := range results {
		if r.Success {
			backed = append(backed, r.Key)
		} else {
			failed = append(failed, r.Key)
		}
	}
	if len(backed) > 0 {
		c.stampLastBackup(ctx)
	}
	return BulkResult{Success: len(failed) == 0, BackedUpKeys: backed, FailedKeys: failed}, nil
}

// Restore hydrates every schema-known document's metadata, then fetches and
// writes every schema-known key to local storage (spec.md §4.12 "restore").
func (c *Controller) Restore(ctx context.Context) error {
	c.meta.InvalidateCache()
	for _, key := range c.schemaKeys {
		if _, _, err := c.meta.HydrateMetadata(ctx, key); err != nil {
			return err
		}
	}
	for _, key := range c.schemaKeys {
		value, ok, err := c.remote.Fetch(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.local.Set(ctx, key, value); err != nil {
			return err
		}
		rec := localmeta.Record{Digest: hash.Digest(value, ""), Version: time.Now().UnixNano(), SyncStatus: localmeta.Synced}
		if err := c.meta.Set(ctx, key, rec, false); err != nil {
			return err
		}
	}
	return nil
}

// Hydrate fetches remote values for keys that needsHydration (or every
// schema key, if keys is empty), resolving conflicts against any existing
// local value with strategy (defaulting to the configured one), and runs
// the post-write integrity check (spec.md §4.12 "hydrate").
func (c *Controller) Hydrate(ctx context.Context, keys []string, strategy ganon.ConflictResolutionStrategy, integrity ganon.IntegrityFailureConfig) (HydrateResult, error) {
	return c.hydrateKeys(ctx, keys, strategy, integrity, false, true)
}

// ForceHydrate invalidates each target key's coordinator cache first, then
// behaves like Hydrate but ignores needsHydration (spec.md §4.12
// "forceHydrate").
func (c *Controller) ForceHydrate(ctx context.Context, keys []string, strategy ganon.ConflictResolutionStrategy, integrity ganon.IntegrityFailureConfig) (HydrateResult, error) {
	targets := keys
	if len(targets) == 0 {
		targets = c.schemaKeys
	}
	for _, key := range targets {
		c.meta.InvalidateCacheForHydration(key)
	}
	return c.hydrateKeys(ctx, targets, strategy, integrity, true, true)
}

func (c *Controller) hydrateKeys(ctx context.Context, keys []string, strategy ganon.ConflictResolutionStrategy, integrity ganon.IntegrityFailureConfig, force bool, recheckIntegrity bool) (HydrateResult, error) {
	if strategy == "" {
		strategy = c.cfg.ConflictResolutionConfig.Strategy
	}
	if integrity.MaxRetries == 0 && integrity.RetryDelay == 0 && integrity.Strategy == "" {
		integrity = c.cfg.IntegrityFailureConfig
	}
	if len(keys) == 0 {
		keys = c.schemaKeys
	}

	var hydrated, failed []string
	for _, key := range keys {
		needs := force
		if !force {
			var err error
			needs, err = c.meta.NeedsHydration(ctx, key)
			if err != nil {
				failed = append(failed, key)
				continue
			}
		}
		if !needs {
			continue
		}

		remoteVal, ok, err := c.remote.Fetch(ctx, key)
		if err != nil {
			failed = append(failed, key)
			continue
		}
		if !ok {
			continue
		}

		localVal, hasLocal, err := c.local.Get(ctx, key)
		if err != nil {
			failed = append(failed, key)
			continue
		}

		resolvedValue := remoteVal
		resolvedFromConflict := false
		if hasLocal {
			localRec := c.meta.Get(key)
			remoteRec, hasRemoteRec, err := c.meta.GetRemoteMetadataOnly(ctx, key)
			if err == nil && hasRemoteRec {
				_, from := coordinator.Resolve(strategy, localRec, remoteRec)
				resolvedFromConflict = true
				if from == "local" {
					resolvedValue = localVal
				}
			}
		}

		if err := c.local.Set(ctx, key, resolvedValue); err != nil {
			failed = append(failed, key)
			continue
		}
		rec := localmeta.Record{Digest: hash.Digest(resolvedValue, ""), Version: time.Now().UnixNano(), SyncStatus: localmeta.Synced}
		if err := c.meta.Set(ctx, key, rec, false); err != nil {
			failed = append(failed, key)
			continue
		}

		// On conflict resolution success, integrity checks are skipped —
		// the resolved value's digest is authoritative (spec.md §4.12).
		if recheckIntegrity && !resolvedFromConflict {
			c.checkIntegrity(ctx, key, resolvedValue, integrity)
		}
		hydrated = append(hydrated, key)
	}
	return HydrateResult{HydratedKeys: hydrated, FailedKeys: failed}, nil
}

// checkIntegrity implements spec.md §4.12's "Integrity check on hydrate":
// after writing a hydrated value, if its digest doesn't match the cached
// remote metadata record, retry the fetch up to MaxRetries times with
// exponential backoff before applying the configured recovery strategy.
func (c *Controller) checkIntegrity(ctx context.Context, key string, value interface{}, cfg ganon.IntegrityFailureConfig) {
	digest := hash.Digest(value, "")
	remoteRec, ok, err := c.meta.GetRemoteMetadataOnly(ctx, key)
	if err != nil || !ok || remoteRec.Digest == digest {
		return
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	// TODO: the retry count legitimately differs by strategy (sometimes 3,
	// sometimes 4) — SKIP gets one extra attempt before bailing. This mirrors
	// a quirk in the source this was ported from; it reads like an off-by-one
	// but is intentional (spec.md §9).
	attempts := maxRetries
	if cfg.Strategy == ganon.Skip {
		attempts++
	}

	matched := false
	for attempt := 0; attempt < attempts; attempt++ {
		time.Sleep(delay * time.Duration(int64(1)<<uint(attempt)))
		c.meta.InvalidateCacheForHydration(key)
		remoteRec, ok, err = c.meta.GetRemoteMetadataOnly(ctx, key)
		if err == nil && ok && remoteRec.Digest == digest {
			matched = true
			break
		}
	}
	if matched {
		return
	}

	if cfg.NotifyOnFailure != nil {
		cfg.NotifyOnFailure(key, digest, remoteRec.Digest, attempts)
	}

	switch cfg.Strategy {
	case ganon.ForceRefresh:
		c.meta.InvalidateCacheForHydration(key)
		c.hydrateKeys(ctx, []string{key}, "", cfg, true, false)
	case ganon.UseRemote:
		remoteVal, ok, err := c.remote.Fetch(ctx, key)
		if err != nil || !ok {
			return
		}
		if err := c.local.Set(ctx, key, remoteVal); err != nil {
			return
		}
		rec := localmeta.Record{Digest: hash.Digest(remoteVal, ""), Version: time.Now().UnixNano(), SyncStatus: localmeta.Synced}
		_ = c.meta.Set(ctx, key, rec, false)
	case ganon.UseLocal, ganon.Skip:
		// UseLocal keeps whatever Hydrate already wrote; Skip leaves
		// everything untouched. Neither needs further action here.
	}
}
