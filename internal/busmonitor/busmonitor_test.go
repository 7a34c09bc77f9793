package busmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// fakeBus is a minimal in-memory bus.Bus recording published events, used
// to test BusMonitor without a live NATS connection.
type fakeBus struct {
	mu         sync.Mutex
	registry   []bus.RegistryEvent
	statuses   []bus.StatusEvent
	heartbeats []bus.HeartbeatEvent
	rpc        map[string]bus.RPCHandler
}

func newFakeBus() *fakeBus { return &fakeBus{rpc: make(map[string]bus.RPCHandler)} }

func (f *fakeBus) PublishRegistry(_ context.Context, ev bus.RegistryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry = append(f.registry, ev)
	return nil
}

func (f *fakeBus) PublishStatus(_ context.Context, ev bus.StatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, ev)
	return nil
}

func (f *fakeBus) PublishHeartbeat(_ context.Context, ev bus.HeartbeatEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, ev)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string, bus.Handler) (bus.Subscription, error) {
	return noopSub{}, nil
}

func (f *fakeBus) ReplayRegistry(context.Context, string, bus.Handler) error { return nil }

func (f *fakeBus) Request(ctx context.Context, subject string, payload []byte, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	h := f.rpc[subject]
	f.mu.Unlock()
	if h == nil {
		return nil, assert.AnError
	}
	return h(ctx, subject, payload)
}

func (f *fakeBus) RegisterRPCHandler(_ context.Context, subject string, h bus.RPCHandler) (bus.Subscription, error) {
	f.mu.Lock()
	f.rpc[subject] = h
	f.mu.Unlock()
	return noopSub{}, nil
}

func (f *fakeBus) Close() error { return nil }

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func (f *fakeBus) events() []bus.RegistryEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.RegistryEventType, len(f.registry))
	for i, e := range f.registry {
		out[i] = e.Event
	}
	return out
}

func TestLifecycleOrderingDeclaredStartReadyStoppingStop(t *testing.T) {
	m, err := monitor.New("svc.alpha", "")
	require.NoError(t, err)
	fb := newFakeBus()
	bm := New(m, fb, Descriptor{ServiceType: "svc", Variant: "alpha"}, zerolog.Nop())
	bm.statusPeriod = time.Hour
	bm.heartbeatPeriod = time.Hour

	ctx := context.Background()
	bm.Declared(ctx)
	require.NoError(t, bm.Start(ctx))
	bm.Ready(ctx)
	bm.Stopping(ctx)
	bm.Stop(ctx, bus.ExitClean)

	assert.Equal(t, []bus.RegistryEventType{
		bus.RegistryDeclared, bus.RegistryStart, bus.RegistryReady,
		bus.RegistryStopping, bus.RegistryStop,
	}, fb.events())

	last := fb.registry[len(fb.registry)-1]
	assert.Equal(t, bus.ExitClean, last.Exit)
}

func TestHeartbeatSequenceResetsOnStart(t *testing.T) {
	m, err := monitor.New("svc.beta", "")
	require.NoError(t, err)
	fb := newFakeBus()
	bm := New(m, fb, Descriptor{ServiceType: "svc", Variant: "beta"}, zerolog.Nop())
	bm.heartbeatPeriod = 5 * time.Millisecond
	bm.statusPeriod = time.Hour

	ctx := context.Background()
	require.NoError(t, bm.Start(ctx))
	time.Sleep(30 * time.Millisecond)
	bm.Stop(ctx, bus.ExitClean)

	fb.mu.Lock()
	n := len(fb.heartbeats)
	fb.mu.Unlock()
	require.Greater(t, n, 0)

	require.NoError(t, bm.Start(ctx))
	time.Sleep(15 * time.Millisecond)
	bm.Stop(ctx, bus.ExitClean)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	var seenFirstSeq bool
	for _, hb := range fb.heartbeats {
		if hb.Sequence == 1 {
			seenFirstSeq = true
		}
	}
	assert.True(t, seenFirstSeq, "sequence must reset to start counting from 1 again after a new start")
}

func TestSetStatusPublishesImmediatelyWithoutWaitingForTicker(t *testing.T) {
	m, err := monitor.New("svc.delta", "")
	require.NoError(t, err)
	fb := newFakeBus()
	bm := New(m, fb, Descriptor{ServiceType: "svc", Variant: "delta"}, zerolog.Nop())
	bm.statusPeriod = time.Hour
	bm.heartbeatPeriod = time.Hour

	ctx := context.Background()
	require.NoError(t, bm.Start(ctx))
	defer bm.Stop(ctx, bus.ExitClean)

	m.SetStatus(status.Failed, "boom")

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.NotEmpty(t, fb.statuses, "a status change must publish immediately, not wait an hour for the next tick")
	last := fb.statuses[len(fb.statuses)-1]
	assert.Equal(t, status.Failed, last.Status)
}

func TestRPCHealthAndStats(t *testing.T) {
	m, err := monitor.New("svc.gamma", "")
	require.NoError(t, err)
	m.SetStatus(m.EffectiveStatus(), "")
	fb := newFakeBus()
	bm := New(m, fb, Descriptor{ServiceType: "svc", Variant: "gamma"}, zerolog.Nop())
	bm.statusPeriod = time.Hour
	bm.heartbeatPeriod = time.Hour

	ctx := context.Background()
	require.NoError(t, bm.Start(ctx))
	defer bm.Stop(ctx, bus.ExitClean)

	resp, err := fb.Request(ctx, bus.RPCSubject("svc.gamma", "health"), nil, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(resp), "status")

	resp, err = fb.Request(ctx, bus.RPCSubject("svc.gamma", "stats"), nil, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}
