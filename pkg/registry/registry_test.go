package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovergrid/drover/pkg/auth"
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

type fixture struct {
	registry *Registry
	store    storage.Store
	clock    *fakeClock
	broker   *events.Broker
	tokens   *auth.TokenManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := newFakeClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	broker := events.NewBroker(clk)
	broker.Start()
	t.Cleanup(broker.Stop)

	tokens := auth.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), time.Hour, clk)
	return &fixture{
		registry: New(store, clk, broker, tokens, 2*time.Minute),
		store:    store,
		clock:    clk,
		broker:   broker,
		tokens:   tokens,
	}
}

func recvEvent(t *testing.T, sub *events.Subscription) *events.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.broker.Subscribe(events.EventNodeChanged)

	node, token, err := f.registry.Register(ctx, "render-01", "Render 01", "10.0.0.5", "HW-01")
	require.NoError(t, err)
	require.NotNil(t, node)

	assert.Equal(t, "render-01", node.ID)
	assert.Equal(t, "Render 01", node.Name)
	assert.True(t, node.IsAvailable)
	assert.Equal(t, f.clock.Now(), node.LastHeartbeat)
	assert.Equal(t, f.clock.Now(), node.CreatedAt)

	claims, err := f.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "render-01", claims.NodeID)
	assert.Equal(t, auth.RoleNode, claims.Role)

	e := recvEvent(t, sub)
	assert.Equal(t, events.EventNodeChanged, e.Type)
	payload := e.Payload.(*events.NodeChangedPayload)
	assert.Equal(t, "render-01", payload.NodeID)
	assert.Equal(t, events.NodeRegistered, payload.Kind)

	// stored row carries the fingerprint for later logins
	stored, err := f.store.GetNode(ctx, "render-01")
	require.NoError(t, err)
	assert.Equal(t, "HW-01", stored.HardwareFingerprint)
}

func TestRegisterDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.registry.Register(ctx, "render-01", "Render 01", "10.0.0.5", "HW-01")
	require.NoError(t, err)

	_, _, err = f.registry.Register(ctx, "render-01", "Other", "10.0.0.6", "HW-02")
	assert.True(t, errdefs.IsConflict(err))

	// the original row survives untouched
	node, err := f.store.GetNode(ctx, "render-01")
	require.NoError(t, err)
	assert.Equal(t, "Render 01", node.Name)
	assert.Equal(t, "HW-01", node.HardwareFingerprint)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		id          string
		nodeName    string
		ip          string
		fingerprint string
		field       string
	}{
		{"empty id", "", "N", "10.0.0.1", "HW", "id"},
		{"id too short", "ab", "N", "10.0.0.1", "HW", "id"},
		{"id bad characters", "test@node#123!", "N", "10.0.0.1", "HW", "id"},
		{"id too long", string(make([]byte, 65)), "N", "10.0.0.1", "HW", "id"},
		{"empty name", "render-01", "   ", "10.0.0.1", "HW", "name"},
		{"bad ip", "render-01", "N", "999.999.999.999", "HW", "ipAddress"},
		{"empty fingerprint", "render-01", "N", "10.0.0.1", "", "hardwareFingerprint"},
		{"oversized fingerprint", "render-01", "N", "10.0.0.1", string(make([]byte, 200)), "hardwareFingerprint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.registry.Register(ctx, tt.id, tt.nodeName, tt.ip, tt.fingerprint)
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err))

			verr, ok := errdefs.AsValidation(err)
			require.True(t, ok)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestRegisterAcceptsIPv6(t *testing.T) {
	f := newFixture(t)

	node, _, err := f.registry.Register(context.Background(), "render-01", "N", "fd00::1", "HW")
	require.NoError(t, err)
	assert.Equal(t, "fd00::1", node.IPAddress)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, registerToken, err := f.registry.Register(ctx, "render-01", "N", "10.0.0.1", "HW-01")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)

	node, token, err := f.registry.Login(ctx, "render-01", "HW-01")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, registerToken, token)
	assert.Equal(t, f.clock.Now(), node.LastHeartbeat)

	claims, err := f.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "render-01", claims.NodeID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.registry.Register(ctx, "render-01", "N", "10.0.0.1", "HW-01")
	require.NoError(t, err)

	// wrong fingerprint and unknown id fail identically
	_, _, wrongErr := f.registry.Login(ctx, "render-01", "WRONG")
	assert.True(t, errdefs.IsUnauthorized(wrongErr))

	_, _, missingErr := f.registry.Login(ctx, "ghost-99", "HW-01")
	assert.True(t, errdefs.IsUnauthorized(missingErr))

	assert.Equal(t, wrongErr.Error(), missingErr.Error())
}

func TestLoginRestoresAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node, _, err := f.registry.Register(ctx, "render-01", "N", "10.0.0.1", "HW-01")
	require.NoError(t, err)

	node.IsAvailable = false
	require.NoError(t, f.store.UpdateNode(ctx, node))

	sub := f.broker.Subscribe(events.EventNodeChanged)

	loggedIn, _, err := f.registry.Login(ctx, "render-01", "HW-01")
	require.NoError(t, err)
	assert.True(t, loggedIn.IsAvailable)

	e := recvEvent(t, sub)
	payload := e.Payload.(*events.NodeChangedPayload)
	assert.Equal(t, events.NodeHeartbeatRestored, payload.Kind)
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.registry.Register(ctx, "render-01", "N", "10.0.0.1", "HW-01")
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)

	sub := f.broker.Subscribe(events.EventNodeChanged)

	node, err := f.registry.Heartbeat(ctx, "render-01")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), node.LastHeartbeat)
	assert.True(t, node.IsAvailable)

	// already available: no restore event
	assertNoEvent(t, sub)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Heartbeat(context.Background(), "ghost-99")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestHeartbeatRestoresAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	node, _, err := f.registry.Register(ctx, "render-01", "N", "10.0.0.1", "HW-01")
	require.NoError(t, err)

	node.IsAvailable = false
	require.NoError(t, f.store.UpdateNode(ctx, node))

	sub := f.broker.Subscribe(events.EventNodeChanged)

	_, err = f.registry.Heartbeat(ctx, "render-01")
	require.NoError(t, err)

	e := recvEvent(t, sub)
	payload := e.Payload.(*events.NodeChangedPayload)
	assert.Equal(t, "render-01", payload.NodeID)
	assert.Equal(t, events.NodeHeartbeatRestored, payload.Kind)

	// second heartbeat does not repeat the event
	_, err = f.registry.Heartbeat(ctx, "render-01")
	require.NoError(t, err)
	assertNoEvent(t, sub)
}

func TestListAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.registry.Register(ctx, "fresh-01", "Fresh", "10.0.0.1", "HW-1")
	require.NoError(t, err)
	_, _, err = f.registry.Register(ctx, "silent-02", "Silent", "10.0.0.2", "HW-2")
	require.NoError(t, err)
	down, _, err := f.registry.Register(ctx, "down-03", "Down", "10.0.0.3", "HW-3")
	require.NoError(t, err)

	down.IsAvailable = false
	require.NoError(t, f.store.UpdateNode(ctx, down))

	// push silent-02's heartbeat beyond the live window, refresh fresh-01
	f.clock.Advance(3 * time.Minute)
	_, err = f.registry.Heartbeat(ctx, "fresh-01")
	require.NoError(t, err)

	available, err := f.registry.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "fresh-01", available[0].ID)

	all, err := f.registry.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListAvailableIncludesBoundaryHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.registry.Register(ctx, "edge-01", "Edge", "10.0.0.1", "HW-1")
	require.NoError(t, err)

	// exactly liveWindow old still counts as live
	f.clock.Advance(2 * time.Minute)

	available, err := f.registry.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)

	f.clock.Advance(time.Nanosecond)
	available, err = f.registry.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, available)
}
