// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller implements the per-instance Service Controller state
// machine of spec.md §4.6 (C6): it resolves a service from the registry,
// drives its lifecycle according to its Kind (internal/service), and maps
// every failure onto the error taxonomy of spec.md §7.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/busmonitor"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// State is one node of the Controller state machine (spec.md §4.6).
type State int

const (
	Uninitialized State = iota
	Initialized
	Starting
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initialized:
		return "INITIALIZED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultStopGrace is the per-service grace window of spec.md §5: the
// driver must finish on_stop within this window, after which the
// Controller abandons it and marks FAILED.
const DefaultStopGrace = 10 * time.Second

// ExitResult is delivered on Done() once the Controller reaches a terminal
// state, whether triggered by an external Stop or by the service's own
// completion (spec.md §4.8: "an in-process service task that completes is
// detected synchronously by its done callback").
type ExitResult struct {
	State State
	Err   error
}

// Controller drives one service instance through the lifecycle of
// spec.md §4.6.
type Controller struct {
	desc     config.ServiceDescriptor
	registry *service.Registry
	b        bus.Bus
	zlog     zerolog.Logger

	mu      sync.Mutex
	state   State
	svc     interface{}
	kind    service.Kind
	monitor *monitor.Monitor
	busMon  *busmonitor.BusMonitor

	runCancel context.CancelFunc
	wg        sync.WaitGroup

	exitOnce sync.Once
	done     chan ExitResult

	runnerID   string
	parentName string
}

// SetInstanceMeta records the process-coordination context a subprocess
// standalone entry receives on its CLI (spec.md §6.2: --runner-id,
// --parent-name), carried on every registry event this Controller's
// BusMonitor emits. Call before Initialize.
func (c *Controller) SetInstanceMeta(runnerID, parentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runnerID = runnerID
	c.parentName = parentName
}

// New constructs a Controller for desc. registry resolves the service_type
// to a constructor; b is the shared Bus (internal/bus.Noop{} is a valid
// degraded-mode value).
func New(desc config.ServiceDescriptor, registry *service.Registry, b bus.Bus, zlog zerolog.Logger) *Controller {
	return &Controller{
		desc:     desc,
		registry: registry,
		b:        b,
		zlog:     zlog.With().Str("service_id", desc.ServiceID()).Logger(),
		done:     make(chan ExitResult, 1),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Monitor returns the Controller's Monitor, valid once Initialize has run.
func (c *Controller) Monitor() *monitor.Monitor { return c.monitor }

// Done reports the terminal outcome: either an external Stop completing, or
// the service exiting on its own (RUNNING --service_exit--> STOPPED|FAILED).
func (c *Controller) Done() <-chan ExitResult { return c.done }

// Initialize resolves the service from the registry, detects its Kind,
// constructs and attaches a Monitor, and emits the `start` registry event.
// A Controller that fails initialization remains addressable: its Monitor
// publishes FAILED instead of disappearing (spec.md §4.6).
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		c.mu.Unlock()
		return fmt.Errorf("controller %s: initialize called in state %s", c.desc.ServiceID(), c.state)
	}
	c.mu.Unlock()

	c.mu.Lock()
	runnerID, parentName := c.runnerID, c.parentName
	c.mu.Unlock()

	m, err := monitor.New(c.desc.ServiceID(), parentName)
	if err != nil {
		return ferrors.Config("construct monitor", err)
	}
	m.SetStatus(status.Startup, "")
	bm := busmonitor.New(m, c.b, busmonitor.Descriptor{
		ServiceType: c.desc.ServiceType,
		Variant:     c.desc.Variant,
		RunnerID:    runnerID,
	}, c.zlog)

	c.mu.Lock()
	c.monitor = m
	c.busMon = bm
	c.mu.Unlock()

	if err := bm.Start(ctx); err != nil {
		c.zlog.Warn().Err(err).Msg("bus monitor start degraded")
	}

	svc, err := c.registry.New(c.desc.ServiceType)
	if err != nil {
		return c.failInit(ctx, ferrors.Discovery("resolve service type", err))
	}
	kind, err := service.DetectKind(svc)
	if err != nil {
		return c.failInit(ctx, ferrors.Discovery("detect service kind", err))
	}

	c.mu.Lock()
	c.svc = svc
	c.kind = kind
	c.state = Initialized
	c.mu.Unlock()
	return nil
}

func (c *Controller) failInit(ctx context.Context, err error) error {
	c.mu.Lock()
	m, bm := c.monitor, c.busMon
	c.mu.Unlock()
	m.SetStatus(status.Failed, err.Error())
	bm.Failed(ctx, err.Error())
	// bm.Start already launched the status/heartbeat publish loops and
	// registered RPC handlers; a failed init must quiesce them too, or
	// they leak on a Controller that never reaches Stop().
	bm.Stop(ctx, bus.ExitFailed)
	return c.finish(ExitResult{State: Failed, Err: err})
}

// Start invokes the service's own start hook appropriate to its Kind. On
// success the Controller transitions to RUNNING, sets status OK, and
// emits `ready`. Any error transitions to FAILED and emits `failed`.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Initialized {
		c.mu.Unlock()
		return fmt.Errorf("controller %s: start called in state %s", c.desc.ServiceID(), c.state)
	}
	c.state = Starting
	svc, kind := c.svc, c.kind
	driverCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.mu.Unlock()

	switch kind {
	case service.KindPermanent:
		p := svc.(service.Permanent)
		if err := p.Start(driverCtx); err != nil {
			return c.failStartup(ctx, err)
		}
		c.onRunning(ctx)
		return nil
	case service.KindLoop:
		c.wg.Add(1)
		go c.runLoopDriver(ctx, driverCtx, svc.(service.Loop))
		return nil
	case service.KindOneShot:
		c.wg.Add(1)
		go c.runOneShotDriver(ctx, driverCtx, svc.(service.OneShot))
		return nil
	default:
		return c.failStartup(ctx, fmt.Errorf("unknown service kind"))
	}
}

func (c *Controller) failStartup(ctx context.Context, err error) error {
	c.mu.Lock()
	m, bm := c.monitor, c.busMon
	c.mu.Unlock()
	werr := ferrors.Startup("start hook", err)
	m.SetStatus(status.Failed, werr.Error())
	bm.Failed(ctx, werr.Error())
	bm.Stop(ctx, bus.ExitFailed)
	return c.finish(ExitResult{State: Failed, Err: werr})
}

func (c *Controller) onRunning(ctx context.Context) {
	c.mu.Lock()
	c.state = Running
	m, bm := c.monitor, c.busMon
	c.mu.Unlock()
	m.SetStatus(status.OK, "")
	bm.Ready(ctx)
}

func (c *Controller) runLoopDriver(ctx, driverCtx context.Context, l service.Loop) {
	defer c.wg.Done()

	if starter, ok := l.(service.Starter); ok {
		if err := starter.OnStart(driverCtx); err != nil {
			c.failStartup(ctx, err)
			return
		}
	}
	c.onRunning(ctx)

	runErr := l.Run(driverCtx)

	if stopper, ok := l.(service.Stopper); ok {
		if serr := stopper.OnStop(context.Background()); serr != nil {
			c.zlog.Warn().Err(serr).Msg("on_stop hook failed")
			if runErr == nil {
				runErr = ferrors.Shutdown("on_stop hook", serr)
			}
		}
	}

	c.onServiceExit(ctx, runErr)
}

func (c *Controller) runOneShotDriver(ctx, driverCtx context.Context, o service.OneShot) {
	defer c.wg.Done()
	c.onRunning(ctx)
	err := o.Execute(driverCtx)
	c.onServiceExit(ctx, err)
}

// onServiceExit handles RUNNING --service_exit--> STOPPED|FAILED: the
// driver's Run/Execute returned, whether on its own or because Stop()
// cancelled it. It always finalizes via terminal(); terminal() itself
// guards against a concurrent Stop() timeout having already finalized.
func (c *Controller) onServiceExit(ctx context.Context, err error) {
	if err != nil {
		c.terminal(ctx, Failed, bus.ExitFailed, ferrors.Runtime("run", err))
		return
	}
	c.terminal(ctx, Stopped, bus.ExitClean, nil)
}

// Stop requests an external, orderly shutdown: emits `stopping`, invokes
// the service's stop hook, and emits `stop` with the resulting exit
// classification. A driver that does not finish within DefaultStopGrace is
// abandoned and the Controller is marked FAILED (spec.md §5).
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Running && c.state != Starting {
		c.mu.Unlock()
		return nil // already terminal or never started: no-op
	}
	c.state = Stopping
	svc, kind := c.svc, c.kind
	cancel := c.runCancel
	c.mu.Unlock()

	c.busMon.Stopping(ctx)
	c.monitor.SetStatus(status.Shutdown, "")

	if kind == service.KindPermanent {
		err := svc.(service.Permanent).Stop(ctx)
		if err != nil {
			return c.terminal(ctx, Failed, bus.ExitFailed, ferrors.Shutdown("stop hook", err))
		}
		return c.terminal(ctx, Stopped, bus.ExitClean, nil)
	}

	if cancel != nil {
		cancel()
	}
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil // driver already finalized via onServiceExit -> terminal()
	case <-time.After(DefaultStopGrace):
		return c.terminal(ctx, Failed, bus.ExitFailed,
			ferrors.Shutdown("stop", fmt.Errorf("service did not stop within %s, abandoned", DefaultStopGrace)))
	}
}

// terminal performs the single, idempotent state+status+publish transition
// into a terminal Controller state. Only the first caller (whichever of
// onServiceExit or Stop's grace-timeout wins the race) has any effect;
// later callers are silently ignored, matching spec.md's "abandon" wording
// for a driver that outlives its grace window.
func (c *Controller) terminal(ctx context.Context, newState State, exit bus.ExitClass, err error) error {
	var applied bool
	c.exitOnce.Do(func() {
		applied = true
		c.mu.Lock()
		c.state = newState
		m, bm := c.monitor, c.busMon
		c.mu.Unlock()
		if err != nil {
			m.SetStatus(status.Error, err.Error())
		}
		bm.Stop(ctx, exit)
		c.done <- ExitResult{State: newState, Err: err}
		close(c.done)
	})
	if !applied {
		return nil
	}
	return err
}

// finish delivers result through the same exitOnce guard as terminal,
// without re-running terminal's own bm.Stop/status-publish sequence — the
// caller (failInit/failStartup) has already quiesced the BusMonitor and
// published its own FAILED status. Sharing exitOnce here, rather than each
// caller closing c.done on its own, is what prevents a later Stop()
// finalizing through terminal() from double-closing c.done.
func (c *Controller) finish(result ExitResult) error {
	var applied bool
	c.exitOnce.Do(func() {
		applied = true
		c.mu.Lock()
		c.state = result.State
		c.mu.Unlock()
		c.done <- result
		close(c.done)
	})
	if !applied {
		return nil
	}
	return result.Err
}
