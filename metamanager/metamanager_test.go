package metamanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/coordinator"
	"github.com/potionforge/ganon/localmeta"
	"github.com/potionforge/ganon/remote"
	"github.com/potionforge/ganon/remote/memadapter"
)

func schema() ganon.CloudConfig {
	return ganon.CloudConfig{
		"profile": ganon.DocumentSchema{
			DocKeys: map[string]struct{}{"name": {}},
		},
	}
}

func newManager(t *testing.T) (*Manager, *memadapter.Adapter, *localmeta.Metadata) {
	t.Helper()
	a := memadapter.New(false)
	local, err := localmeta.New(localmeta.NewMemStore())
	require.NoError(t, err)
	factory := func(documentName string) (*coordinator.Coordinator, error) {
		ref := remote.Ref{Path: "users/u1/backup/" + documentName}
		return coordinator.New(documentName, ref, a, local, coordinator.DefaultConfig()), nil
	}
	return New(schema(), local, factory), a, local
}

func TestSet_UnroutedKeyIsLocalOnlyNoOp(t *testing.T) {
	m, _, local := newManager(t)
	require.NoError(t, m.Set(context.Background(), "nope", localmeta.Record{Digest: "x", Version: 1, SyncStatus: localmeta.Pending}, true))
	assert.Equal(t, "x", local.Get("nope").Digest)
}

func TestSet_RoutedKeyDelegatesToCoordinator(t *testing.T) {
	m, a, local := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "name", localmeta.Record{Digest: "abc", Version: 1, SyncStatus: localmeta.Pending}, true))
	assert.Equal(t, "abc", local.Get("name").Digest)

	m.InvalidateCache()

	_ = a // adapter exercised indirectly through the coordinator
}

func TestNeedsHydration_UnroutedKeyIsFalse(t *testing.T) {
	m, _, _ := newManager(t)
	need, err := m.NeedsHydration(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, need)
}

func TestEnsureConsistency_UnroutedKeyReturnsLocal(t *testing.T) {
	m, _, local := newManager(t)
	require.NoError(t, local.Set("nope", localmeta.Record{Digest: "z", Version: 1, SyncStatus: localmeta.Synced}))
	rec, err := m.EnsureConsistency(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "z", rec.Digest)
}

func TestCancelAll_DropsCoordinatorsSoNextRouteRebuildsFresh(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "name", localmeta.Record{Digest: "abc", Version: 1, SyncStatus: localmeta.Pending}, false))
	assert.Len(t, m.coordinators, 1)

	m.CancelAll()
	assert.Empty(t, m.coordinators, "a cancelled coordinator must not be reused for the next login")

	// A write after CancelAll must succeed against a freshly built
	// coordinator, not silently drop because the old one is cancelled.
	require.NoError(t, m.Set(ctx, "name", localmeta.Record{Digest: "def", Version: 2, SyncStatus: localmeta.Pending}, true))
	assert.Len(t, m.coordinators, 1)
}

func TestReplaceSchema_DropsCoordinatorsForRemovedDocuments(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "name", localmeta.Record{Digest: "abc", Version: 1, SyncStatus: localmeta.Pending}, false))
	assert.Len(t, m.coordinators, 1)

	m.ReplaceSchema(ganon.CloudConfig{})
	assert.Empty(t, m.coordinators)
	assert.Empty(t, m.keyToDocument)
}
