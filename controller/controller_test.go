package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/coordinator"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/localstore"
	"github.com/potionforge/ganon/metamanager"
	"github.com/potionforge/ganon/remote"
	"github.com/potionforge/ganon/remote/memadapter"
	"github.com/potionforge/ganon/resolver"
	"github.com/potionforge/ganon/store"
)

func newHarness(t *testing.T) (*Controller, *memadapter.Adapter, localstore.Store, *localmeta.Metadata) {
	t.Helper()

	schema := ganon.CloudConfig{
		"profile": ganon.DocumentSchema{DocKeys: map[string]struct{}{"name": {}, "age": {}}},
	}
	cfg := &ganon.Config{
		IdentifierKey:            "user_id",
		CloudConfig:              schema,
		ConflictResolutionConfig: ganon.ConflictResolutionConfig{Strategy: ganon.LastModifiedWins},
		IntegrityFailureConfig:   ganon.IntegrityFailureConfig{MaxRetries: 1, RetryDelay: time.Millisecond, Strategy: ganon.UseLocal},
	}

	adapter := memadapter.New(false)
	res := resolver.New(schema.Lookup(), func() (string, bool) { return "u1", true })
	facade := store.New(adapter, res)

	local, err := localmeta.New(localmeta.NewMemStore())
	require.NoError(t, err)

	factory := func(documentName string) (*coordinator.Coordinator, error) {
		ref, err := res.DocumentRefForName(documentName)
		if err != nil {
			return nil, err
		}
		coordCfg := coordinator.DefaultConfig()
		coordCfg.DebounceDelay = 10 * time.Millisecond
		coordCfg.Conflict = cfg.ConflictResolutionConfig
		return coordinator.New(documentName, ref, adapter, local, coordCfg), nil
	}
	meta := metamanager.New(schema, local, factory)

	ls := localstore.New()
	c := New(cfg, ls, facade, meta, func() (string, bool) { return "u1", true })
	return c, adapter, ls, local
}

func TestMarkAsPending_EnqueuesSetOperationAndUpdatesMetadata(t *testing.T) {
	c, _, ls, local := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Link"))

	require.NoError(t, c.MarkAsPending(ctx, "name"))
	assert.Equal(t, localmeta.Pending, local.Get("name").SyncStatus)
	assert.NotEmpty(t, local.Get("name").Digest)
	assert.Equal(t, 1, c.repo.Len())
}

func TestMarkAsPending_NoOpWhenDigestUnchanged(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Link"))

	require.NoError(t, c.MarkAsPending(ctx, "name"))
	require.NoError(t, c.SyncPending(ctx))
	assert.Zero(t, c.repo.Len())

	require.NoError(t, c.MarkAsPending(ctx, "name"))
	assert.Zero(t, c.repo.Len(), "unchanged digest should not re-enqueue")
}

func TestMarkAsDeleted_PreservesDigestSetsPending(t *testing.T) {
	c, _, ls, local := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Link"))
	require.NoError(t, c.MarkAsPending(ctx, "name"))
	existingDigest := local.Get("name").Digest

	require.NoError(t, c.MarkAsDeleted(ctx, "name"))
	assert.Equal(t, existingDigest, local.Get("name").Digest)
	assert.Equal(t, localmeta.Pending, local.Get("name").SyncStatus)
	assert.Equal(t, 1, c.repo.Len(), "markAsDeleted replaces the pending set op with a delete op for the same key")
}

func TestSyncPending_DrainsAndStampsLastBackup(t *testing.T) {
	c, _, ls, local := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Link"))
	require.NoError(t, c.MarkAsPending(ctx, "name"))

	require.NoError(t, c.SyncPending(ctx))
	assert.Equal(t, localmeta.Synced, local.Get("name").SyncStatus)

	_, ok, err := ls.Get(ctx, LastBackupKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncPending_ShortCircuitsWhenAlreadyInProgress(t *testing.T) {
	c, _, _, _ := newHarness(t)
	c.mu.Lock()
	c.syncInProgress = true
	c.mu.Unlock()

	require.NoError(t, c.SyncPending(context.Background()))
	assert.Zero(t, c.repo.Len())
}

func TestStartStopSyncInterval_Idempotent(t *testing.T) {
	c, _, _, _ := newHarness(t)
	c.cfg.SyncInterval = 10 * time.Millisecond

	c.StartSyncInterval()
	c.StartSyncInterval()
	assert.NotNil(t, c.ticker)

	c.StopSyncInterval()
	c.StopSyncInterval()
	assert.Nil(t, c.ticker)
}

func TestSyncAll_BacksUpEveryLocalKey(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Link"))
	require.NoError(t, ls.Set(ctx, "age", 17))

	result, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"name", "age"}, result.BackedUpKeys)
}

func TestSyncAll_SkipsReservedLocalKeys(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, LastBackupKey, time.Now()))

	result, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.BackedUpKeys)
}

func TestHydrate_WritesRemoteValueWhenNoLocalCopy(t *testing.T) {
	c, adapter, ls, local := newHarness(t)
	ctx := context.Background()
	require.NoError(t, c.remote.Backup(ctx, "name", "RemoteName", nil))

	// Advertise a higher remote metadata version for "name" than the local
	// record (which starts at the zero value), so NeedsHydration is true.
	ref := remote.Ref{Path: "users/u1/backup/profile"}
	require.NoError(t, adapter.Update(ctx, ref, map[string]interface{}{
		coordinator.ReservedField: map[string]interface{}{
			"name": map[string]interface{}{"d": "remote-digest", "v": float64(5)},
		},
	}))

	result, err := c.Hydrate(ctx, []string{"name"}, "", ganon.IntegrityFailureConfig{})
	require.NoError(t, err)
	assert.Contains(t, result.HydratedKeys, "name")

	got, ok, err := ls.Get(ctx, "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RemoteName", got)
	assert.Equal(t, localmeta.Synced, local.Get("name").SyncStatus)
}

func TestHydrate_SkipsKeysThatDoNotNeedHydration(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Local"))

	result, err := c.Hydrate(ctx, []string{"name"}, "", ganon.IntegrityFailureConfig{})
	require.NoError(t, err)
	assert.Empty(t, result.HydratedKeys)
}

func TestForceHydrate_IgnoresNeedsHydration(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Local"))
	require.NoError(t, c.remote.Backup(ctx, "name", "RemoteName", nil))

	result, err := c.ForceHydrate(ctx, []string{"name"}, ganon.RemoteWins, ganon.IntegrityFailureConfig{})
	require.NoError(t, err)
	assert.Contains(t, result.HydratedKeys, "name")

	got, _, err := ls.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "RemoteName", got)
}

func TestRestore_WritesEverySchemaKnownKey(t *testing.T) {
	c, _, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, c.remote.Backup(ctx, "name", "RemoteName", nil))
	require.NoError(t, c.remote.Backup(ctx, "age", 42, nil))

	require.NoError(t, c.Restore(ctx))

	got, ok, err := ls.Get(ctx, "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RemoteName", got)

	got, ok, err = ls.Get(ctx, "age")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, got)
}

// TestCheckIntegrity_SkipStrategyGetsOneExtraAttempt pins down spec.md §9's
// preserved quirk: SKIP retries one more time than every other strategy
// before giving up. Digest never matches, so both runs exhaust their retry
// budget; with exponential backoff the extra SKIP attempt must make it take
// measurably longer.
func TestCheckIntegrity_SkipStrategyGetsOneExtraAttempt(t *testing.T) {
	c, adapter, ls, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, ls.Set(ctx, "name", "Local"))

	ref := remote.Ref{Path: "users/u1/backup/profile"}
	require.NoError(t, adapter.Set(ctx, ref, map[string]interface{}{
		coordinator.ReservedField: map[string]interface{}{
			"name": map[string]interface{}{"d": "remote-digest-that-never-matches", "v": 1},
		},
	}, false))

	cfg := ganon.IntegrityFailureConfig{MaxRetries: 2, RetryDelay: 2 * time.Millisecond, Strategy: ganon.UseLocal}
	start := time.Now()
	c.checkIntegrity(ctx, "name", "Local", cfg)
	useLocalElapsed := time.Since(start)

	cfg.Strategy = ganon.Skip
	start = time.Now()
	c.checkIntegrity(ctx, "name", "Local", cfg)
	skipElapsed := time.Since(start)

	assert.Greater(t, skipElapsed, useLocalElapsed, "SKIP must sleep through one extra retry attempt before bailing")
}

func TestOnUserChanged_StopsIntervalAndResetsHydration(t *testing.T) {
	c, _, _, _ := newHarness(t)
	c.cfg.SyncInterval = 10 * time.Millisecond
	c.StartSyncInterval()
	c.mu.Lock()
	c.hasHydratedAfterLogin = true
	c.currentUserForHydration = "u1"
	c.mu.Unlock()

	c.OnUserChanged()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Nil(t, c.ticker)
	assert.False(t, c.hasHydratedAfterLogin)
	assert.Empty(t, c.currentUserForHydration)
}
