// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/busmonitor"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/controller"
	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
	"github.com/araucaria-project/tcs-supervisor/internal/metrics"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
	"github.com/araucaria-project/tcs-supervisor/internal/status"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
)

// Runner owns exactly one configured service instance across its whole
// restart lifetime (spec.md §4.8, C8). It builds a fresh Controller per
// attempt and decides whether to restart per the instance's restart_policy
// and a bounded restart_window/restart_max accounting scheme of its own —
// suture's built-in failure-decay backoff plays no part in that decision.
//
// Runner implements suture.Service so a Tree can host it directly.
type Runner struct {
	desc     config.ServiceDescriptor
	registry *service.Registry
	b        bus.Bus
	zlog     zerolog.Logger

	mon    *monitor.Monitor
	busMon *busmonitor.BusMonitor

	mu            sync.Mutex
	attempt       int
	restarts      []time.Time // timestamps within the current restart_window
	stopRequested bool
	current       *controller.Controller
	recorder      *metrics.Recorder
}

// SetRecorder attaches a metrics.Recorder this Runner records restart
// attempts into; also propagated to its BusMonitor. Optional: nil is a
// no-op.
func (r *Runner) SetRecorder(rec *metrics.Recorder) {
	r.mu.Lock()
	r.recorder = rec
	r.mu.Unlock()
	r.busMon.SetRecorder(rec)
}

// NewRunner constructs a Runner for desc. registry resolves desc.ServiceType
// to a constructor; b is the shared Bus.
func NewRunner(desc config.ServiceDescriptor, registry *service.Registry, b bus.Bus, zlog zerolog.Logger) (*Runner, error) {
	m, err := monitor.New(desc.ServiceID(), "")
	if err != nil {
		return nil, ferrors.Config("construct runner monitor", err)
	}
	bm := busmonitor.New(m, b, busmonitor.Descriptor{
		ServiceType: desc.ServiceType,
		Variant:     desc.Variant,
	}, zlog)

	return &Runner{
		desc:     desc,
		registry: registry,
		b:        b,
		zlog:     zlog.With().Str("service_id", desc.ServiceID()).Logger(),
		mon:      m,
		busMon:   bm,
	}, nil
}

// ServiceID returns the supervised service's identity.
func (r *Runner) ServiceID() string { return r.desc.ServiceID() }

// Monitor returns the aggregation-tree Monitor for this Runner, mirroring
// SubprocessRunner.Monitor so a Launcher can treat both uniformly.
func (r *Runner) Monitor() *monitor.Monitor { return r.mon }

// Declared publishes the `declared` registry event, mirroring
// SubprocessRunner.Declared so a Launcher can treat both uniformly.
func (r *Runner) Declared(ctx context.Context) { r.busMon.Declared(ctx) }

// Controller returns the Controller driving the current attempt, or nil
// between attempts. Callers wanting to stop the service should prefer
// canceling the Serve context, which Runner observes and forwards to the
// live Controller.
func (r *Runner) Controller() *controller.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Serve runs the restart loop until ctx is canceled or the restart policy
// gives up. It satisfies suture.Service.
func (r *Runner) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ctl := controller.New(r.desc, r.registry, r.b, r.zlog)
		r.mu.Lock()
		r.current = ctl
		r.mu.Unlock()

		res := r.runAttempt(ctx, ctl)

		r.mu.Lock()
		stopRequested := r.stopRequested
		r.current = nil
		r.mu.Unlock()

		if stopRequested {
			return ctx.Err()
		}

		if res.State == controller.Failed {
			reason := "service failed"
			if res.Err != nil {
				reason = res.Err.Error()
			}
			r.busMon.Crashed(context.Background(), reason)
		}

		restart, limitErr := r.shouldRestart(res)
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
		r.mu.Unlock()

		reason := "service exited"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		r.busMon.Restarting(context.Background(), attempt, reason)
		r.mu.Lock()
		rec := r.recorder
		r.mu.Unlock()
		if rec != nil {
			rec.IncRestart(r.desc.ServiceID(), reason)
		}

		if !waitCtx(ctx, time.Duration(r.desc.RestartSec*float64(time.Second))) {
			return ctx.Err()
		}
	}
}

// runAttempt initializes and starts ctl, then blocks until it exits or ctx
// is canceled, in which case it requests an orderly Stop and waits for the
// resulting terminal ExitResult.
func (r *Runner) runAttempt(ctx context.Context, ctl *controller.Controller) controller.ExitResult {
	if err := ctl.Initialize(ctx); err != nil {
		return <-ctl.Done()
	}
	if err := ctl.Start(ctx); err != nil {
		return <-ctl.Done()
	}

	select {
	case res := <-ctl.Done():
		return res
	case <-ctx.Done():
		r.mu.Lock()
		r.stopRequested = true
		r.mu.Unlock()
		_ = ctl.Stop(context.Background())
		return <-ctl.Done()
	}
}

// shouldRestart applies the restart policy and restart-window accounting
// of spec.md §4.8. It returns (false, non-nil) when restart_max within
// restart_window has been exceeded (TESTABLE PROPERTY 4), (false, nil) when
// the policy simply does not call for a restart, and (true, nil) otherwise.
func (r *Runner) shouldRestart(res controller.ExitResult) (bool, error) {
	// The in-process driver exposes only a binary Stopped/Failed terminal
	// state, so on-failure and on-abnormal currently coincide here on
	// "restart iff the Controller reached FAILED" — spec.md §4.8 reserves
	// the exit-code/signal distinction on-abnormal makes for subprocess
	// mode (SubprocessRunner below), where the child's real exit status is
	// observable.
	abnormal := res.State == controller.Failed

	r.mu.Lock()
	defer r.mu.Unlock()
	restart, kept, err := decideRestart(r.desc, r.restarts, abnormal)
	r.restarts = kept
	return restart, err
}

// decideRestart is the policy-and-window accounting shared by in-process
// Runner and SubprocessRunner (spec.md §4.8, §8 property 4): it decides
// whether a just-finished attempt warrants another, and prunes restarts to
// those still inside restart_window. abnormal means "the exit counts as a
// failure" per the policy's own definition of abnormal (FAILED state
// in-process; non-zero/signal-terminated exit for a subprocess).
func decideRestart(desc config.ServiceDescriptor, restarts []time.Time, abnormal bool) (bool, []time.Time, error) {
	switch desc.RestartPolicy {
	case config.RestartNo:
		return false, restarts, nil
	case config.RestartOnFailure, config.RestartOnAbnormal:
		if !abnormal {
			return false, restarts, nil
		}
	case config.RestartAlways:
		// restarts regardless of exit classification
	default:
		return false, restarts, nil
	}

	now := time.Now()
	restarts = append(restarts, now)
	if desc.RestartWindow > 0 {
		cutoff := now.Add(-time.Duration(desc.RestartWindow * float64(time.Second)))
		kept := restarts[:0]
		for _, ts := range restarts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		restarts = kept
	}

	if desc.RestartMax > 0 && len(restarts) > desc.RestartMax {
		return false, restarts, ferrors.RestartLimit(desc.ServiceID())
	}
	return true, restarts, nil
}

// waitCtx sleeps for d, returning false early if ctx is canceled first.
func waitCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
