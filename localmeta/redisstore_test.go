package localmeta

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	store, err := NewRedisStore(addr, "ganon-test:", time.Minute)
	if err != nil {
		t.Skipf("skipping redis test: %v", err)
	}
	return store
}

func TestRedisStore_SaveThenLoadRoundTrips(t *testing.T) {
	store := skipIfNoRedis(t)
	defer store.Close()

	require.NoError(t, store.Save(ReservedStorageKey, []byte(`{"name":{"d":"abc","v":1,"s":"synced"}}`)))

	data, ok, err := store.Load(ReservedStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":{"d":"abc","v":1,"s":"synced"}}`, string(data))
}

func TestRedisStore_LoadMissingKeyReturnsNotOk(t *testing.T) {
	store := skipIfNoRedis(t)
	defer store.Close()

	_, ok, err := store.Load("__ganon_never_written__")
	require.NoError(t, err)
	assert.False(t, ok)
}
