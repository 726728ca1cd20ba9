package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potionforge/ganon"
	"github.com/potionforge/ganon/remote"
	"github.com/potionforge/ganon/remote/memadapter"
	"github.com/potionforge/ganon/resolver"
)

func newFacade(readonly bool) (*Facade, *memadapter.Adapter) {
	a := memadapter.New(readonly)
	schema := ganon.CloudConfig{
		"profile": ganon.DocumentSchema{
			DocKeys:           map[string]struct{}{"user": {}},
			SubcollectionKeys: map[string]struct{}{"items": {}},
		},
	}
	res := resolver.New(schema.Lookup(), func() (string, bool) { return "u1", true })
	return New(a, res), a
}

func TestBackupFetch_DocKey_RoundTrips(t *testing.T) {
	f, _ := newFacade(false)
	ctx := context.Background()

	require.NoError(t, f.Backup(ctx, "user", map[string]interface{}{"id": "u1", "name": "A"}, nil))

	got, ok, err := f.Fetch(ctx, "user")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"id": "u1", "name": "A"}, got)
}

func TestBackupNilValue_IsDelete(t *testing.T) {
	f, _ := newFacade(false)
	ctx := context.Background()

	require.NoError(t, f.Backup(ctx, "user", "v", nil))
	require.NoError(t, f.Backup(ctx, "user", nil, nil))

	_, ok, err := f.Fetch(ctx, "user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_DocKey_RemovesField(t *testing.T) {
	f, _ := newFacade(false)
	ctx := context.Background()

	require.NoError(t, f.Backup(ctx, "user", "v", nil))
	require.NoError(t, f.Delete(ctx, "user"))

	_, ok, err := f.Fetch(ctx, "user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetch_MissingDocument(t *testing.T) {
	f, _ := newFacade(false)
	_, ok, err := f.Fetch(context.Background(), "user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupFetch_SubcollectionKey(t *testing.T) {
	f, _ := newFacade(false)
	ctx := context.Background()

	val := []interface{}{1, 2, 3}
	require.NoError(t, f.Backup(ctx, "items", val, nil))

	got, ok, err := f.Fetch(ctx, "items")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val, got)
}

func TestRunTransaction_SerializesFIFO(t *testing.T) {
	f, _ := newFacade(false)
	ctx := context.Background()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.RunTransaction(ctx, func(ctx context.Context, tx remote.Transaction) error {
				time.Sleep(50 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(5 * time.Millisecond) // bias submission order
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "transactions should run serially, not concurrently")
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRunTransaction_Timeout(t *testing.T) {
	f, _ := newFacade(false)

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var called int32
	block := make(chan struct{}) // never closed: the body ignores ctx and hangs so only the facade's own timeout can resolve the call
	err := f.RunTransaction(shortCtx, func(ctx context.Context, tx remote.Transaction) error {
		atomic.AddInt32(&called, 1)
		<-block
		return nil
	})
	require.Error(t, err)
	var se *ganon.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ganon.SyncTimeout, se.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&called))
}

func TestBackup_ReadonlyAdapterIsSilentNoOp(t *testing.T) {
	f, a := newFacade(true)
	err := f.Backup(context.Background(), "user", "v", nil)
	require.NoError(t, err)
	assert.Empty(t, a.Paths(), "read-only write must not persist anything")
}

func TestRunTransaction_QueuedCallerCancellationDoesNotBlockNextInLine(t *testing.T) {
	f, _ := newFacade(false)

	aRunning := make(chan struct{})
	aRelease := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.RunTransaction(context.Background(), func(ctx context.Context, tx remote.Transaction) error {
			close(aRunning)
			<-aRelease
			return nil
		})
	}()
	<-aRunning

	// B queues behind A, then has its context canceled before A releases.
	bCtx, bCancel := context.WithCancel(context.Background())
	bErrCh := make(chan error, 1)
	go func() {
		bErrCh <- f.RunTransaction(bCtx, func(ctx context.Context, tx remote.Transaction) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond) // let B reach the queue behind A
	bCancel()

	berr := <-bErrCh
	require.Error(t, berr)

	// C queues behind B. If B's cancellation didn't hand off its ticket, C
	// would block here forever once A releases.
	cDone := make(chan error, 1)
	go func() {
		cDone <- f.RunTransaction(context.Background(), func(ctx context.Context, tx remote.Transaction) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	close(aRelease)
	wg.Wait()

	select {
	case err := <-cDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("C never acquired the slot after B's cancellation")
	}
}

func TestRunTransaction_ReadonlyAdapterFails(t *testing.T) {
	f, _ := newFacade(true)
	err := f.RunTransaction(context.Background(), func(ctx context.Context, tx remote.Transaction) error {
		return nil
	})
	require.Error(t, err)
	var se *ganon.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ganon.SyncConfigurationError, se.Kind)
}

func TestBackup_UnknownKeyIsValidationError(t *testing.T) {
	f, _ := newFacade(false)
	err := f.Backup(context.Background(), "nope", "v", nil)
	require.Error(t, err)
	var se *ganon.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ganon.SyncValidationError, se.Kind)
}
