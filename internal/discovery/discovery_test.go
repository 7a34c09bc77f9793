package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// fakeBus is a minimal in-memory bus.Bus that lets a test push messages
// directly into whatever handlers Subscribe/ReplayRegistry registered,
// without a live NATS connection.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]bus.Handler
	replay   []json.RawMessage
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]bus.Handler)}
}

func (f *fakeBus) PublishRegistry(context.Context, bus.RegistryEvent) error   { return nil }
func (f *fakeBus) PublishStatus(context.Context, bus.StatusEvent) error       { return nil }
func (f *fakeBus) PublishHeartbeat(context.Context, bus.HeartbeatEvent) error { return nil }

func (f *fakeBus) Subscribe(_ context.Context, subject string, h bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	f.handlers[subject] = append(f.handlers[subject], h)
	f.mu.Unlock()
	return noopSub{}, nil
}

func (f *fakeBus) ReplayRegistry(ctx context.Context, _ string, h bus.Handler) error {
	f.mu.Lock()
	msgs := append([]json.RawMessage(nil), f.replay...)
	f.mu.Unlock()
	for _, m := range msgs {
		_ = h(ctx, bus.RegistryWildcard, m)
	}
	return nil
}

func (f *fakeBus) Request(context.Context, string, []byte, time.Duration) ([]byte, error) {
	return nil, assert.AnError
}

func (f *fakeBus) RegisterRPCHandler(context.Context, string, bus.RPCHandler) (bus.Subscription, error) {
	return noopSub{}, nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) publish(t *testing.T, subject string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	hs := append([]bus.Handler(nil), f.handlers[subject]...)
	f.mu.Unlock()
	for _, h := range hs {
		require.NoError(t, h(context.Background(), subject, data))
	}
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func TestProjectionLifecycle(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryDeclared, ServiceID: "echo.t1", Type: "echo", Variant: "t1"})
	v, ok := c.View("echo.t1")
	require.True(t, ok)
	assert.Equal(t, StateDeclared, v.State)

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStart, ServiceID: "echo.t1"})
	v, _ = c.View("echo.t1")
	assert.Equal(t, StateRunning, v.State)

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStopping, ServiceID: "echo.t1"})
	v, _ = c.View("echo.t1")
	assert.Equal(t, StateStopping, v.State)

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStop, ServiceID: "echo.t1", Exit: bus.ExitClean})
	v, _ = c.View("echo.t1")
	assert.Equal(t, StateStopped, v.State)
}

func TestProjectionFailedExit(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStart, ServiceID: "echo.t2"})
	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStop, ServiceID: "echo.t2", Exit: bus.ExitFailed})

	v, ok := c.View("echo.t2")
	require.True(t, ok)
	assert.Equal(t, StateFailed, v.State)
}

func TestStatusUpdateMergesChildren(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.StatusWildcard, bus.StatusEvent{
		ServiceID: "root",
		Status:    status.Degraded,
		Children:  []status.ChildSummary{{Name: "a", Status: status.OK}, {Name: "b", Status: status.Degraded}},
	})

	v, ok := c.View("root")
	require.True(t, ok)
	assert.Equal(t, status.Degraded, v.Status)
	require.Len(t, v.Children, 2)
}

func TestHeartbeatZombieDetection(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	c.grace = 10 * time.Millisecond
	c.scan = 5 * time.Millisecond
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStart, ServiceID: "echo.t3"})

	now := time.Now()
	fb.publish(t, bus.HeartbeatWildcard, bus.HeartbeatEvent{
		ServiceID:             "echo.t3",
		Sequence:              1,
		Timestamp:             status.ToWireTime(now),
		NextHeartbeatExpected: status.ToWireTime(now.Add(5 * time.Millisecond)),
	})

	v, ok := c.View("echo.t3")
	require.True(t, ok)
	assert.False(t, v.HeartbeatDead)

	require.Eventually(t, func() bool {
		v, _ := c.View("echo.t3")
		return v.HeartbeatDead
	}, time.Second, 5*time.Millisecond, "expected heartbeat_dead to flip once NextHeartbeatExpected+grace elapses")

	v, _ = c.View("echo.t3")
	assert.Equal(t, StateRunning, v.State, "zombie detection is display-only and must not change State")
}

func TestFollowReplaysCurrentSnapshotThenLiveUpdates(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryDeclared, ServiceID: "echo.t4"})

	var mu sync.Mutex
	var seen []State
	c.Follow(func(v ServiceView) {
		mu.Lock()
		seen = append(seen, v.State)
		mu.Unlock()
	})

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStart, ServiceID: "echo.t4"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, StateDeclared, seen[0])
	assert.Equal(t, StateRunning, seen[1])
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	fb := newFakeBus()
	c := New(fb, zerolog.Nop())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryDeclared, ServiceID: "echo.t5"})
	snap := c.Snapshot()
	require.Contains(t, snap, "echo.t5")

	fb.publish(t, bus.RegistryWildcard, bus.RegistryEvent{Event: bus.RegistryStart, ServiceID: "echo.t5"})
	assert.Equal(t, StateDeclared, snap["echo.t5"].State, "a prior Snapshot must not observe later mutations")
}
