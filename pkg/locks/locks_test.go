package locks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
	"github.com/drovergrid/drover/pkg/storage"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const expiryWindow = 10 * time.Minute

func newManager(t *testing.T) (*Manager, *fakeClock, *events.Broker) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := newFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	broker := events.NewBroker(clk)
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, clk, broker, expiryWindow), clk, broker
}

func recvLockEvent(t *testing.T, sub *events.Subscription) *events.LockChangedPayload {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e.Payload.(*events.LockChangedPayload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock event")
		return nil
	}
}

func TestAcquireContendsAcrossSpellings(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, `Y:\Data\Shot01`, "render-01"))

	// a different spelling of the same share is the same lock
	err := m.Acquire(ctx, "y:/data/shot01/", "render-02")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "y:/data/shot01", held.Path)
	assert.Equal(t, "render-01", held.Holder)

	// the owner re-acquires freely
	assert.NoError(t, m.Acquire(ctx, "Y:/DATA/Shot01", "render-01"))
}

func TestAcquirePublishesAcquired(t *testing.T) {
	m, _, broker := newManager(t)
	sub := broker.Subscribe(events.EventLockChanged)

	require.NoError(t, m.Acquire(context.Background(), "y:/data/shot01", "render-01"))

	p := recvLockEvent(t, sub)
	assert.Equal(t, events.LockAcquired, p.Kind)
	assert.Equal(t, "y:/data/shot01", p.Path)
	assert.Equal(t, "render-01", p.NodeID)
}

func TestAcquireStealsStaleLock(t *testing.T) {
	m, clk, broker := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))

	clk.Advance(expiryWindow + time.Second)
	sub := broker.Subscribe(events.EventLockChanged)

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-02"))

	// eviction first, then the new ownership
	evicted := recvLockEvent(t, sub)
	assert.Equal(t, events.LockExpired, evicted.Kind)
	assert.Equal(t, "render-01", evicted.NodeID)

	acquired := recvLockEvent(t, sub)
	assert.Equal(t, events.LockAcquired, acquired.Kind)
	assert.Equal(t, "render-02", acquired.NodeID)

	// the evicted node no longer owns anything to release
	err := m.Release(ctx, "y:/data/shot01", "render-01")
	assert.True(t, errdefs.IsNotOwner(err))
}

func TestAcquireRefreshKeepsLockLive(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))

	// refresh inside the window, then cross the original expiry
	clk.Advance(expiryWindow / 2)
	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))
	clk.Advance(expiryWindow/2 + time.Minute)

	// not stale relative to the refresh, so still held
	err := m.Acquire(ctx, "y:/data/shot01", "render-02")
	assert.True(t, errdefs.IsConflict(err))
}

func TestRelease(t *testing.T) {
	m, _, broker := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))
	sub := broker.Subscribe(events.EventLockChanged)

	require.NoError(t, m.Release(ctx, "y:/data/shot01", "render-01"))

	p := recvLockEvent(t, sub)
	assert.Equal(t, events.LockReleased, p.Kind)
	assert.Equal(t, "render-01", p.NodeID)

	locks, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)

	// releasing again, or releasing something never held, is not-owner
	err = m.Release(ctx, "y:/data/shot01", "render-01")
	assert.True(t, errdefs.IsNotOwner(err))
}

func TestReleaseByNonOwner(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))

	err := m.Release(ctx, "y:/data/shot01", "render-02")
	assert.True(t, errdefs.IsNotOwner(err))

	// still held by the owner
	err = m.Acquire(ctx, "y:/data/shot01", "render-02")
	assert.True(t, errdefs.IsConflict(err))
}

func TestFolderLocksAreSeparateNamespace(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.AcquireFolder(ctx, "y:/data/shot01", "render-01"))
	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-02"))

	// folder contention is scoped to folder locks
	err := m.AcquireFolder(ctx, "Y:/Data/Shot01", "render-02")
	require.Error(t, err)
	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "folder_lock:y:/data/shot01", held.Path)

	require.NoError(t, m.ReleaseFolder(ctx, "y:/data/shot01", "render-01"))
	require.NoError(t, m.AcquireFolder(ctx, "y:/data/shot01", "render-02"))
}

func TestResetAll(t *testing.T) {
	m, _, broker := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-01"))
	require.NoError(t, m.Acquire(ctx, "y:/data/shot02", "render-02"))
	require.NoError(t, m.AcquireFolder(ctx, "y:/data/shot03", "render-03"))

	sub := broker.Subscribe(events.EventLockChanged)

	count, err := m.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	p := recvLockEvent(t, sub)
	assert.Equal(t, events.LockReset, p.Kind)
	assert.Equal(t, 3, p.Count)

	locks, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestConcurrentAcquireOneWinner(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	const contenders = 8
	results := make([]error, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Acquire(ctx, "y:/data/shot01", "render-"+strings.Repeat("x", i+1))
		}(i)
	}
	wg.Wait()

	winners := 0
	var winner string
	for i, err := range results {
		if err == nil {
			winners++
			winner = "render-" + strings.Repeat("x", i+1)
			continue
		}
		assert.True(t, errdefs.IsConflict(err))
	}
	require.Equal(t, 1, winners)

	// every loser saw the same holder
	for _, err := range results {
		var held *HeldError
		if errors.As(err, &held) {
			assert.Equal(t, winner, held.Holder)
		}
	}

	// released, the path is acquirable by anyone again
	require.NoError(t, m.Release(ctx, "y:/data/shot01", winner))
	assert.NoError(t, m.Acquire(ctx, "y:/data/shot01", "render-late"))
}

func TestAcquireRejectsBadPaths(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	err := m.Acquire(ctx, "   ", "render-01")
	assert.True(t, errdefs.IsInvalidArgument(err))

	long := "y:/" + strings.Repeat("a", 1100)
	err = m.Acquire(ctx, long, "render-01")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	verr, ok := errdefs.AsValidation(err)
	require.True(t, ok)
	assert.Contains(t, verr.Fields, "filePath")
}
