// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
)

// writeHarness builds a stand-in for the cmd/tcs-service binary: it strips
// the leading `--runner-id X --parent-name Y` pair runAttempt always passes
// (plain /bin/sh has no flag parser of its own) and execs the remaining
// config-file positional as a shell script, mirroring how tcs-service itself
// turns a config file into running behavior.
func writeHarness(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.sh")
	require.NoError(t, os.WriteFile(path, []byte(`#!/bin/sh
shift 4
script="$1"
shift
exec sh "$script" "$@"
`), 0o755))
	return path
}

func TestDecideRestartPolicies(t *testing.T) {
	desc := config.ServiceDescriptor{RestartPolicy: config.RestartNo}
	ok, _, err := decideRestart(desc, nil, true)
	assert.False(t, ok)
	assert.NoError(t, err)

	desc.RestartPolicy = config.RestartOnFailure
	ok, _, err = decideRestart(desc, nil, false)
	assert.False(t, ok, "on-failure does not restart a clean exit")
	assert.NoError(t, err)

	ok, restarts, err := decideRestart(desc, nil, true)
	assert.True(t, ok)
	assert.Len(t, restarts, 1)
	assert.NoError(t, err)

	desc.RestartPolicy = config.RestartAlways
	ok, _, err = decideRestart(desc, nil, false)
	assert.True(t, ok, "always restarts regardless of exit classification")
	assert.NoError(t, err)
}

func TestDecideRestartLimitExceeded(t *testing.T) {
	desc := config.ServiceDescriptor{
		RestartPolicy: config.RestartAlways,
		RestartMax:    2,
		RestartWindow: 60,
	}
	var restarts []time.Time
	var err error
	ok := true
	for i := 0; i < 3; i++ {
		ok, restarts, err = decideRestart(desc, restarts, true)
		if i < 2 {
			assert.True(t, ok)
			assert.NoError(t, err)
		}
	}
	assert.False(t, ok, "the (restart_max+1)th failure must not restart")
	assert.Error(t, err, "the (restart_max+1)th failure must report restart_limit")
}

func TestClassifyExitSignaled(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	require.NoError(t, cmd.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cmd.Process.Signal(syscall.SIGKILL))
	waitErr := cmd.Wait()

	outcome := classifyExit(cmd, waitErr)
	assert.True(t, outcome.signaled)
	assert.True(t, outcome.abnormalOnAbnormal())
}

func TestSubprocessRunnerCleanExit(t *testing.T) {
	harness := writeHarness(t)
	desc := config.ServiceDescriptor{ServiceType: "echo", RestartPolicy: config.RestartNo}
	r, err := NewSubprocessRunner(desc, harness, "/dev/null", "r1", newFakeBus(), zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("subprocess runner did not finish after a clean exit")
	}
}

func TestSubprocessRunnerRestartsOnFailureThenStops(t *testing.T) {
	harness := writeHarness(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "flaky.sh")
	counter := filepath.Join(dir, "counter")
	require.NoError(t, os.WriteFile(script, []byte(`
n=$(cat "`+counter+`" 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > "`+counter+`"
if [ "$n" -le 2 ]; then exit 1; fi
exit 0
`), 0o755))

	desc := config.ServiceDescriptor{
		ServiceType:   "flaky",
		RestartPolicy: config.RestartOnFailure,
		RestartSec:    0.01,
		RestartWindow: 60,
	}
	fb := newFakeBus()
	r, err := NewSubprocessRunner(desc, harness, script, "r2", fb, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess runner did not finish restarting and stopping")
	}

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(data))

	var restarting int
	for _, ev := range fb.events() {
		if ev == bus.RegistryRestarting {
			restarting++
		}
	}
	assert.Equal(t, 2, restarting)
}

func TestSubprocessRunnerRestartLimitExceeded(t *testing.T) {
	harness := writeHarness(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	require.NoError(t, os.WriteFile(script, []byte("exit 1\n"), 0o755))

	desc := config.ServiceDescriptor{
		ServiceType:   "broken",
		RestartPolicy: config.RestartAlways,
		RestartSec:    0,
		RestartMax:    2,
		RestartWindow: 60,
	}
	fb := newFakeBus()
	r, err := NewSubprocessRunner(desc, harness, script, "r3", fb, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess runner did not give up within restart_max")
	}

	found := false
	for _, ev := range fb.events() {
		if ev == bus.RegistryFailed {
			found = true
		}
	}
	assert.True(t, found, "exceeding restart_max must publish a `failed` registry event")
}

func TestSubprocessRunnerStopsOnContextCancellationWithoutRestart(t *testing.T) {
	harness := writeHarness(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte("sleep 5\n"), 0o755))

	desc := config.ServiceDescriptor{
		ServiceType:   "slow",
		RestartPolicy: config.RestartAlways,
		RestartSec:    0.01,
		RestartWindow: 60,
	}
	r, err := NewSubprocessRunner(desc, harness, script, "r4", newFakeBus(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subprocess runner did not stop after context cancellation")
	}
}
