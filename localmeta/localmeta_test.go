package localmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_UnknownKeyReturnsDefault(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	assert.Equal(t, DefaultRecord(), m.Get("nope"))
	assert.False(t, m.Has("nope"))
}

func TestSet_MergesWithExisting(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Set("k", Record{Digest: "abc123", Version: 1, SyncStatus: Pending}))
	require.NoError(t, m.Set("k", Record{SyncStatus: Synced}))

	got := m.Get("k")
	assert.Equal(t, "abc123", got.Digest)
	assert.EqualValues(t, 1, got.Version)
	assert.Equal(t, Synced, got.SyncStatus)
}

func TestUpdateSyncStatus_PreservesDigestAndVersion(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Set("k", Record{Digest: "abc123", Version: 5, SyncStatus: Synced}))
	require.NoError(t, m.UpdateSyncStatus("k", Failed))

	got := m.Get("k")
	assert.Equal(t, "abc123", got.Digest)
	assert.EqualValues(t, 5, got.Version)
	assert.Equal(t, Failed, got.SyncStatus)
}

func TestRemove_DropsRecord(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Set("k", Record{Digest: "x", Version: 1, SyncStatus: Synced}))
	require.NoError(t, m.Remove("k"))

	assert.False(t, m.Has("k"))
	assert.Equal(t, DefaultRecord(), m.Get("k"))
}

func TestClear_DropsEverything(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Set("a", Record{Digest: "1", Version: 1, SyncStatus: Synced}))
	require.NoError(t, m.Set("b", Record{Digest: "2", Version: 1, SyncStatus: Synced}))
	require.NoError(t, m.Clear())

	assert.Empty(t, m.Keys())
}

func TestNew_ReloadsPersistedState(t *testing.T) {
	store := NewMemStore()

	m1, err := New(store)
	require.NoError(t, err)
	require.NoError(t, m1.Set("k", Record{Digest: "abc", Version: 3, SyncStatus: Pending}))

	m2, err := New(store)
	require.NoError(t, err)
	got := m2.Get("k")
	assert.Equal(t, "abc", got.Digest)
	assert.EqualValues(t, 3, got.Version)
	assert.Equal(t, Pending, got.SyncStatus)
}

func TestReplace_HardOverwrite(t *testing.T) {
	m, err := New(NewMemStore())
	require.NoError(t, err)

	require.NoError(t, m.Set("k", Record{Digest: "abc", Version: 9, SyncStatus: Pending}))
	require.NoError(t, m.Replace("k", Record{Digest: "", Version: 0, SyncStatus: Synced}))

	assert.Equal(t, Record{Digest: "", Version: 0, SyncStatus: Synced}, m.Get("k"))
}
