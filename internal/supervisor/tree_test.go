package supervisor

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is a minimal suture.Service for exercising Tree.
type fakeService struct {
	starts    int32
	failTimes int32
}

func (f *fakeService) StartCount() int { return int(atomic.LoadInt32(&f.starts)) }

func (f *fakeService) Serve(ctx context.Context) error {
	atomic.AddInt32(&f.starts, 1)
	if atomic.LoadInt32(&f.failTimes) > 0 {
		atomic.AddInt32(&f.failTimes, -1)
		return context.DeadlineExceeded
	}
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree("test", testLogger(), TreeConfig{})
	assert.Equal(t, 5.0, tree.config.FailureThreshold)
	assert.Equal(t, 30.0, tree.config.FailureDecay)
	assert.Equal(t, 15*time.Second, tree.config.FailureBackoff)
	assert.Equal(t, 10*time.Second, tree.config.ShutdownTimeout)
	assert.NotNil(t, tree.Root())
}

func TestTreeStartsAndStopsServices(t *testing.T) {
	tree := NewTree("test", testLogger(), TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	svc := &fakeService{}
	tree.Add(svc)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go tree.Serve(ctx)
	time.Sleep(100 * time.Millisecond)

	assert.GreaterOrEqual(t, svc.StartCount(), 1)
}

func TestTreeRestartsFailingService(t *testing.T) {
	tree := NewTree("test", testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	svc := &fakeService{failTimes: 2}
	tree.Add(svc)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go tree.Serve(ctx)
	time.Sleep(250 * time.Millisecond)

	assert.GreaterOrEqual(t, svc.StartCount(), 3)
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	require.Equal(t, 5.0, cfg.FailureThreshold)
	require.Equal(t, 30.0, cfg.FailureDecay)
	require.Equal(t, 15*time.Second, cfg.FailureBackoff)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}
