package syncop

import (
	"context"
	"errors"
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

type fakeMetadata struct {
	statuses []localmeta.SyncStatus
	records  map[string]localmeta.Record
	setErr   error
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{records: make(map[string]localmeta.Record)}
}

func (f *fakeMetadata) UpdateSyncStatus(key string, status localmeta.SyncStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeMetadata) Set(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.records[key] = meta
	return nil
}

func (f *fakeMetadata) Replace(ctx context.Context, key string, meta localmeta.Record, scheduleRemoteSync bool) error {
	return f.Set(ctx, key, meta, scheduleRemoteSync)
}

func newFacade(t *testing.T) (*store.Facade, *localstore.MemStore) {
	t.Helper()
	a := memadapter.New(false)
	schema := ganon.CloudConfig{"profile": ganon.DocumentSchema{DocKeys: map[string]struct{}{"name": {}}}}
	res := resolver.New(schema.Lookup(), func() (string, bool) { return "u1", true })
	return store.New(a, res), localstore.New()
}

func TestSetOperation_SuccessRecordsSyncedMetadata(t *testing.T) {
	facade, local := newFacade(t)
	ctx := context.Background()
	require.NoError(t, local.Set(ctx, "name", "Link"))

	meta := newFakeMetadata()
	op := NewSetOperation("name", local, facade, meta)

	result := op.Execute(ctx)
	require.True(t, result.Success)
	assert.Equal(t, []localmeta.SyncStatus{localmeta.InProgress}, meta.statuses)
	assert.Equal(t, localmeta.Synced, meta.records["name"].SyncStatus)
	assert.NotEmpty(t, meta.records["name"].Digest)

	got, ok, err := facade.Fetch(ctx, "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Link", got)
}

func TestSetOperation_FailureMarksFailedAndClassifiesRetry(t *testing.T) {
	facade, local := newFacade(t)
	ctx := context.Background()
	// "missing" is not in the schema, so Backup inside the transaction
	// returns a non-retryable SyncValidationError.
	meta := newFakeMetadata()
	op := NewSetOperation("missing", local, facade, meta)

	result := op.Execute(ctx)
	assert.False(t, result.Success)
	assert.False(t, result.ShouldRetry)
	assert.Equal(t, []localmeta.SyncStatus{localmeta.InProgress, localmeta.Failed}, meta.statuses)
	require.NotNil(t, result.Error)
	assert.Equal(t, ganon.SyncValidationError, result.Error.Kind)
}

func TestDeleteOperation_SuccessRemovesBoth(t *testing.T) {
	facade, local := newFacade(t)
	ctx := context.Background()
	require.NoError(t, local.Set(ctx, "name", "Link"))
	require.NoError(t, facade.Backup(ctx, "name", "Link", nil))

	meta := newFakeMetadata()
	op := NewDeleteOperation("name", local, facade, meta)

	result := op.Execute(ctx)
	require.True(t, result.Success)
	assert.Equal(t, "", meta.records["name"].Digest)

	_, ok, err := local.Get(ctx, "name")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = facade.Fetch(ctx, "name")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestDeleteOperation_ClearsDigestThroughRealMetadataStack exercises the
// delete success path through the real metamanager.Manager -> coordinator ->
// localmeta.Metadata wiring rather than fakeMetadata (which hard-overwrites
// on Set and so never exposed that Metadata.Set's merge semantics keep a
// stale digest). Regression for spec.md §8 "After delete(k) success:
// local[k].digest = ''".
func TestDeleteOperation_ClearsDigestThroughRealMetadataStack(t *testing.T) {
	ctx := context.Background()
	facade, local := newFacade(t)
	require.NoError(t, local.Set(ctx, "name", "Link"))
	require.NoError(t, facade.Backup(ctx, "name", "Link", nil))

	localMeta, err := localmeta.New(localmeta.NewMemStore())
	require.NoError(t, err)
	require.NoError(t, localMeta.Set("name", localmeta.Record{Digest: "stale-digest", Version: 1, SyncStatus: localmeta.Synced}))

	a := memadapter.New(false)
	factory := func(documentName string) (*coordinator.Coordinator, error) {
		ref := remote.Ref{Path: "users/u1/backup/" + documentName}
		return coordinator.New(documentName, ref, a, localMeta, coordinator.DefaultConfig()), nil
	}
	schema := ganon.CloudConfig{"profile": ganon.DocumentSchema{DocKeys: map[string]struct{}{"name": {}}}}
	mgr := metamanager.New(schema, localMeta, factory)

	op := NewDeleteOperation("name", local, facade, mgr)
	result := op.Execute(ctx)
	require.True(t, result.Success)

	assert.Equal(t, "", localMeta.Get("name").Digest, "delete must hard-clear the digest, not merge-keep the stale one")
}

func TestRetry_IncrementsRetryCountAndPreservesKey(t *testing.T) {
	facade, local := newFacade(t)
	meta := newFakeMetadata()
	op := NewSetOperation("name", local, facade, meta)

	retried := op.Retry()
	assert.Equal(t, "name", retried.Key())

	retriedAgain := retried.Retry()
	assert.Equal(t, "name", retriedAgain.Key())
}

func TestNextDelay_DoublesWithRetryCount(t *testing.T) {
	b := base{Backoff: BackoffConfig{Base: time.Second}}
	assert.Equal(t, time.Second, b.NextDelay())
	b.RetryCount = 1
	assert.Equal(t, 2*time.Second, b.NextDelay())
	b.RetryCount = 2
	assert.Equal(t, 4*time.Second, b.NextDelay())
}

func TestNextDelay_RespectsMax(t *testing.T) {
	b := base{Backoff: BackoffConfig{Base: time.Second, Max: 3 * time.Second}, RetryCount: 5}
	assert.Equal(t, 3*time.Second, b.NextDelay())
}

func TestClassify_ExhaustedRetriesNeverRetry(t *testing.T) {
	assert.False(t, classify(3, 3, ganon.SyncNetworkError))
}

func TestClassify_NonRetryableKinds(t *testing.T) {
	for _, kind := range []ganon.SyncErrorType{ganon.SyncConfigurationError, ganon.SyncConflict, ganon.SyncValidationError, ganon.SyncMultipleErrors} {
		assert.False(t, classify(0, 3, kind), kind)
	}
	assert.True(t, classify(0, 3, ganon.SyncNetworkError))
}

func TestSetOperation_MetadataSetFailureSurfaces(t *testing.T) {
	facade, local := newFacade(t)
	ctx := context.Background()
	require.NoError(t, local.Set(ctx, "name", "Link"))

	meta := newFakeMetadata()
	meta.setErr = errors.New("disk full")
	op := NewSetOperation("name", local, facade, meta)

	result := op.Execute(ctx)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ganon.SyncFailed, result.Error.Kind)
}
