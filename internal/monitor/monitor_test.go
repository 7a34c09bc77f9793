package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

func TestAggregationS4(t *testing.T) {
	root, err := New("root", "")
	require.NoError(t, err)
	a, _ := New("a", "root")
	b, _ := New("b", "root")
	a.SetStatus(status.OK, "")
	b.SetStatus(status.Degraded, "bad disk")
	root.AddChild(a)
	root.AddChild(b)

	assert.Equal(t, status.Degraded, root.EffectiveStatus())

	snap := root.Snapshot()
	assert.Equal(t, status.Degraded, snap.Status)
	require.Len(t, snap.Children, 2)
}

func TestCancelErrorStatus(t *testing.T) {
	m, _ := New("svc", "")
	m.SetStatus(status.OK, "")
	m.CancelErrorStatus() // no-op
	assert.Equal(t, status.OK, m.EffectiveStatus())

	m.SetStatus(status.Failed, "boom")
	m.CancelErrorStatus()
	snap := m.Snapshot()
	assert.Equal(t, status.OK, snap.Status)
	assert.Equal(t, "Error resolved", snap.Message)
}

func TestOnStatusChangeFiresForSetStatusAndCancelErrorStatus(t *testing.T) {
	m, _ := New("svc", "")
	var calls int
	m.OnStatusChange(func() { calls++ })

	m.SetStatus(status.OK, "")
	assert.Equal(t, 1, calls)

	m.CancelErrorStatus()
	assert.Equal(t, 1, calls, "CancelErrorStatus is a no-op on a non-errorish status")

	m.SetStatus(status.Failed, "boom")
	assert.Equal(t, 2, calls)
	m.CancelErrorStatus()
	assert.Equal(t, 3, calls, "a real CancelErrorStatus also notifies")
}

func TestTrackTaskReentrant(t *testing.T) {
	m, _ := New("svc", "")
	m.SetStatus(status.Idle, "")

	tok1 := m.TrackTask()
	assert.Equal(t, status.Busy, m.EffectiveStatus())
	tok2 := m.TrackTask()
	assert.Equal(t, status.Busy, m.EffectiveStatus())

	tok1.Release()
	// still busy: nested entry not yet released
	assert.Equal(t, status.Busy, m.EffectiveStatus())

	tok2.Release()
	assert.Equal(t, status.Busy, m.EffectiveStatus(), "release grace window not yet elapsed")

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, status.Idle, m.EffectiveStatus())
}

func TestTrackTaskCoalescesRelease(t *testing.T) {
	m, _ := New("svc", "")
	m.SetStatus(status.Idle, "")

	tok := m.TrackTask()
	tok.Release()
	// a new task arrives before the 1s window elapses
	time.Sleep(200 * time.Millisecond)
	tok2 := m.TrackTask()
	assert.Equal(t, status.Busy, m.EffectiveStatus())

	time.Sleep(900 * time.Millisecond)
	// original timer must not have fired and flipped us to idle
	assert.Equal(t, status.Busy, m.EffectiveStatus())
	tok2.Release()
}

func TestHealthcheckLoopNoOpinionNeverDowngrades(t *testing.T) {
	m, _ := New("svc", "")
	m.SetStatus(status.Warning, "")
	m.AddHealthcheckCb(func() *status.Status { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHealthchecks(ctx, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	m.StopHealthchecks()

	assert.Equal(t, status.Warning, m.EffectiveStatus())
}

func TestHealthcheckLoopAggregatesWorst(t *testing.T) {
	m, _ := New("svc", "")
	m.SetStatus(status.OK, "")
	errSt := status.Error
	m.AddHealthcheckCb(func() *status.Status { return &errSt })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHealthchecks(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.StopHealthchecks()

	assert.Equal(t, status.Error, m.EffectiveStatus())
}

func TestInvalidNameRejected(t *testing.T) {
	_, err := New("", "")
	assert.Error(t, err)
	_, err = New(".bad", "")
	assert.Error(t, err)
	_, err = New("a..b", "")
	assert.Error(t, err)
}

func TestRemoveChild(t *testing.T) {
	root, _ := New("root", "")
	c, _ := New("child", "root")
	root.AddChild(c)
	_, ok := root.Child("child")
	assert.True(t, ok)
	removed := root.RemoveChild("child")
	assert.Same(t, c, removed)
	_, ok = root.Child("child")
	assert.False(t, ok)
}
