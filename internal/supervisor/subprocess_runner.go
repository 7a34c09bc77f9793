// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/busmonitor"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
	"github.com/araucaria-project/tcs-supervisor/internal/metrics"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/status"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
)

// SubprocessRunner is the subprocess-mode counterpart of Runner (spec.md
// §4.8, C8): it spawns a child process running the standalone service
// entry (cmd/tcs-service) instead of driving a Controller in this process.
// The child hosts its own Controller and BusMonitor, so it publishes its
// own start/ready/stopping/stop registry events directly; SubprocessRunner
// emits the supervisor-originated declared/crashed/restarting/failed
// events, plus its own `stopping` when it signals the child on shutdown,
// and applies the same restart_policy/restart_window accounting as
// Runner, via the shared decideRestart.
//
// SubprocessRunner implements suture.Service so a Tree can host it exactly
// like an in-process Runner.
type SubprocessRunner struct {
	desc       config.ServiceDescriptor
	binaryPath string
	configFile string
	runnerID   string
	zlog       zerolog.Logger

	mon    *monitor.Monitor
	busMon *busmonitor.BusMonitor

	mu            sync.Mutex
	attempt       int
	restarts      []time.Time
	stopRequested bool
	cmd           *exec.Cmd
	recorder      *metrics.Recorder
}

// NewSubprocessRunner constructs a SubprocessRunner for desc. binaryPath is
// the standalone service entry executable (spec.md §6.2's CLI surface);
// configFile is passed through unchanged so the child resolves its own
// configuration the same way this process did; runnerID is carried on
// every registry event the child's own Controller/BusMonitor emits
// (spec.md §6.2: --runner-id, --parent-name).
func NewSubprocessRunner(desc config.ServiceDescriptor, binaryPath, configFile, runnerID string, b bus.Bus, zlog zerolog.Logger) (*SubprocessRunner, error) {
	m, err := monitor.New(desc.ServiceID(), "")
	if err != nil {
		return nil, ferrors.Config("construct subprocess runner monitor", err)
	}
	bm := busmonitor.New(m, b, busmonitor.Descriptor{
		ServiceType: desc.ServiceType,
		Variant:     desc.Variant,
		RunnerID:    runnerID,
	}, zlog)

	return &SubprocessRunner{
		desc:       desc,
		binaryPath: binaryPath,
		configFile: configFile,
		runnerID:   runnerID,
		zlog:       zlog.With().Str("service_id", desc.ServiceID()).Str("runner_id", runnerID).Logger(),
		mon:        m,
		busMon:     bm,
	}, nil
}

// ServiceID returns the supervised service's identity.
func (r *SubprocessRunner) ServiceID() string { return r.desc.ServiceID() }

// SetRecorder attaches a metrics.Recorder for restart-attempt bookkeeping,
// mirroring Runner.SetRecorder.
func (r *SubprocessRunner) SetRecorder(rec *metrics.Recorder) {
	r.mu.Lock()
	r.recorder = rec
	r.mu.Unlock()
	r.busMon.SetRecorder(rec)
}

// Declared publishes the `declared` registry event, mirroring the
// Launcher.Declare-time call it makes on an in-process Runner.
func (r *SubprocessRunner) Declared(ctx context.Context) { r.busMon.Declared(ctx) }

// Monitor returns the aggregation-tree Monitor for this supervised
// instance; it tracks whether the child process is currently alive, not
// the child's own internal service health (which arrives over the bus).
func (r *SubprocessRunner) Monitor() *monitor.Monitor { return r.mon }

// subprocessOutcome classifies how one child process attempt ended.
type subprocessOutcome struct {
	spawnFailed bool
	exitCode    int
	signaled    bool
}

func (o subprocessOutcome) abnormalOnFailure() bool {
	return o.spawnFailed || o.exitCode != 0
}

func (o subprocessOutcome) abnormalOnAbnormal() bool {
	return o.spawnFailed || o.signaled || o.exitCode > 128
}

// Serve runs the spawn/wait/restart loop until ctx is canceled or the
// restart policy gives up. It satisfies suture.Service.
func (r *SubprocessRunner) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.mon.SetStatus(status.Startup, "")
		outcome, spawnErr := r.runAttempt(ctx)

		r.mu.Lock()
		stopRequested := r.stopRequested
		r.cmd = nil
		r.mu.Unlock()

		if stopRequested {
			r.mon.SetStatus(status.Shutdown, "")
			return ctx.Err()
		}

		abnormal := r.abnormalFor(outcome)
		if abnormal {
			reason := "child process exited abnormally"
			if spawnErr != nil {
				reason = spawnErr.Error()
			}
			r.mon.SetStatus(status.Error, reason)
			r.busMon.Crashed(context.Background(), reason)
		} else {
			r.mon.SetStatus(status.OK, "")
		}

		restart, kept, limitErr := func() (bool, []time.Time, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			return decideRestart(r.desc, r.restarts, abnormal)
		}()
		r.mu.Lock()
		r.restarts = kept
		r.mu.Unlock()

		if limitErr != nil {
			r.mon.SetStatus(status.Failed, limitErr.Error())
			r.busMon.Failed(context.Background(), limitErr.Error())
			return nil
		}
		if !restart {
			return nil
		}

		r.mu.Lock()
		r.attempt++
		attempt := r.attempt
		rec := r.recorder
		r.mu.Unlock()

		reason := "child process exited"
		if spawnErr != nil {
			reason = spawnErr.Error()
		}
		r.busMon.Restarting(context.Background(), attempt, reason)
		if rec != nil {
			rec.IncRestart(r.desc.ServiceID(), reason)
		}

		if !waitCtx(ctx, time.Duration(r.desc.RestartSec*float64(time.Second))) {
			return ctx.Err()
		}
	}
}

// abnormalFor maps a subprocessOutcome onto the policy-specific notion of
// "abnormal" spec.md §4.8 defines per restart_policy value.
func (r *SubprocessRunner) abnormalFor(o subprocessOutcome) bool {
	switch r.desc.RestartPolicy {
	case config.RestartOnAbnormal:
		return o.abnormalOnAbnormal()
	default:
		return o.abnormalOnFailure()
	}
}

// runAttempt spawns one child process attempt and blocks until it exits or
// ctx is canceled, in which case the child is sent SIGTERM and given
// DefaultStopGrace to exit before SIGKILL escalation (spec.md §5: "signal
// escalation TERM -> KILL").
func (r *SubprocessRunner) runAttempt(ctx context.Context) (subprocessOutcome, error) {
	// flag.Parse stops scanning at the first non-flag argument, so the
	// flags must precede the positional config-file/variant pair.
	args := []string{"--runner-id", r.runnerID, "--parent-name", r.desc.ServiceID(), r.configFile, r.desc.Variant}
	cmd := exec.Command(r.binaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		r.zlog.Warn().Err(err).Msg("failed to spawn child process")
		return subprocessOutcome{spawnFailed: true}, err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		return classifyExit(cmd, err), err
	case <-ctx.Done():
		r.mu.Lock()
		r.stopRequested = true
		r.mu.Unlock()
		r.busMon.Stopping(context.Background())
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-waitErr:
			return classifyExit(cmd, err), err
		case <-time.After(controllerStopGrace):
			r.zlog.Warn().Msg("child process did not stop within grace, sending SIGKILL")
			_ = cmd.Process.Kill()
			err := <-waitErr
			return classifyExit(cmd, err), err
		}
	}
}

// controllerStopGrace mirrors controller.DefaultStopGrace for the
// subprocess TERM->KILL escalation window (spec.md §5).
const controllerStopGrace = 10 * time.Second

// classifyExit inspects cmd's ProcessState after Wait returns to build a
// subprocessOutcome per spec.md §6.2's exit code classification.
func classifyExit(cmd *exec.Cmd, waitErr error) subprocessOutcome {
	state := cmd.ProcessState
	if state == nil {
		return subprocessOutcome{spawnFailed: waitErr != nil}
	}
	out := subprocessOutcome{exitCode: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.signaled = true
	}
	return out
}
