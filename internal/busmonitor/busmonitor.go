// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package busmonitor attaches a monitor.Monitor to a bus.Bus: it publishes
// the registry/status/heartbeat protocol of spec.md §4.3 and serves the
// mandatory `health`/`stats` RPC commands on svc.rpc.<service_id>.v1.*. This
// is component C3.
package busmonitor

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/metrics"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// DefaultStatusPeriod is how often a BusMonitor publishes a status snapshot
// while running, absent an explicit status change.
const DefaultStatusPeriod = 60 * time.Second

// DefaultHeartbeatPeriod is the heartbeat period mandated by spec.md §5.
const DefaultHeartbeatPeriod = 30 * time.Second

// Descriptor identifies a service instance on the bus: its type/variant and
// the process coordinates spec.md's registry events carry alongside every
// lifecycle transition.
type Descriptor struct {
	ServiceType string
	Variant     string
	LauncherID  string
	RunnerID    string
}

// ServiceID is the bus identity of this instance: "{type}.{variant}" when a
// variant is set, else just "{type}" (spec.md §3 GLOSSARY: service_id).
func (d Descriptor) ServiceID() string {
	if d.Variant == "" {
		return d.ServiceType
	}
	return d.ServiceType + "." + d.Variant
}

// BusMonitor pairs a monitor.Monitor with a Descriptor and drives the
// registry/status/heartbeat publish protocol plus RPC serving over a Bus.
type BusMonitor struct {
	*monitor.Monitor

	bus  bus.Bus
	desc Descriptor
	host string
	pid  int
	zlog zerolog.Logger

	statusPeriod    time.Duration
	heartbeatPeriod time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	rpcSubs  []bus.Subscription
	started  time.Time
	recorder *metrics.Recorder
}

// SetRecorder attaches a metrics.Recorder this BusMonitor feeds publish
// failures and heartbeat counts into. Optional: a nil (default) Recorder
// is a no-op, matching the degraded-mode posture of bus.Noop.
func (bm *BusMonitor) SetRecorder(r *metrics.Recorder) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.recorder = r
}

// New wraps an existing Monitor with bus publishing for desc. It subscribes
// to m's own-status transitions (monitor.Monitor.OnStatusChange) so every
// SetStatus/CancelErrorStatus call publishes a svc.status.<service_id>
// event immediately, rather than waiting for the next periodic tick
// (spec.md §4.3: "on each own-status change and aggregated change").
func New(m *monitor.Monitor, b bus.Bus, desc Descriptor, zlog zerolog.Logger) *BusMonitor {
	host, _ := os.Hostname()
	bm := &BusMonitor{
		Monitor:         m,
		bus:             b,
		desc:            desc,
		host:            host,
		pid:             os.Getpid(),
		zlog:            zlog.With().Str("service_id", desc.ServiceID()).Logger(),
		statusPeriod:    DefaultStatusPeriod,
		heartbeatPeriod: DefaultHeartbeatPeriod,
	}
	m.OnStatusChange(func() { bm.PublishStatusNow(context.Background()) })
	return bm
}

func (bm *BusMonitor) registryBase() bus.RegistryEvent {
	return bus.RegistryEvent{
		ServiceID:  bm.desc.ServiceID(),
		Variant:    bm.desc.Variant,
		Type:       bm.desc.ServiceType,
		LauncherID: bm.desc.LauncherID,
		RunnerID:   bm.desc.RunnerID,
		Host:       bm.host,
		PID:        bm.pid,
		Timestamp:  status.ToWireTime(time.Now()),
	}
}

func (bm *BusMonitor) emitRegistry(ctx context.Context, ev bus.RegistryEvent) {
	if err := bm.bus.PublishRegistry(ctx, ev); err != nil {
		bm.zlog.Warn().Err(err).Str("event", string(ev.Event)).Msg("registry publish failed")
		bm.recordPublishError("registry")
	}
}

func (bm *BusMonitor) recordPublishError(tier string) {
	bm.mu.Lock()
	r := bm.recorder
	bm.mu.Unlock()
	if r != nil {
		r.IncBusPublishError(tier)
	}
}

// Declared publishes the `declared` event. Called by the Launcher for every
// configured instance before anything starts (spec.md §4.3 ordering
// invariant).
func (bm *BusMonitor) Declared(ctx context.Context) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryDeclared
	bm.emitRegistry(ctx, ev)
}

// Start publishes the `start` event, resets the heartbeat sequence, and
// launches the periodic status/heartbeat publish loops plus the RPC
// handlers. Call Ready once the service's own start hook returns.
func (bm *BusMonitor) Start(ctx context.Context) error {
	bm.Monitor.ResetHeartbeatSequence()
	bm.mu.Lock()
	bm.started = time.Now()
	loopCtx, cancel := context.WithCancel(ctx)
	bm.cancel = cancel
	bm.mu.Unlock()

	ev := bm.registryBase()
	ev.Event = bus.RegistryStart
	bm.emitRegistry(ctx, ev)

	if err := bm.registerRPC(ctx); err != nil {
		return err
	}

	bm.wg.Add(2)
	go bm.runStatusLoop(loopCtx)
	go bm.runHeartbeatLoop(loopCtx)
	return nil
}

// Ready publishes the `ready` event once startup has completed.
func (bm *BusMonitor) Ready(ctx context.Context) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryReady
	bm.emitRegistry(ctx, ev)
}

// Stopping publishes the `stopping` event before the service's own stop
// hook runs.
func (bm *BusMonitor) Stopping(ctx context.Context) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryStopping
	bm.emitRegistry(ctx, ev)
}

// Stop stops the publish loops, unregisters RPC handlers, and publishes the
// `stop` event with the exit classification and final uptime.
func (bm *BusMonitor) Stop(ctx context.Context, exit bus.ExitClass) {
	bm.mu.Lock()
	cancel := bm.cancel
	bm.cancel = nil
	started := bm.started
	subs := bm.rpcSubs
	bm.rpcSubs = nil
	bm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	bm.wg.Wait()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	ev := bm.registryBase()
	ev.Event = bus.RegistryStop
	ev.Exit = exit
	if !started.IsZero() {
		ev.UptimeSeconds = time.Since(started).Seconds()
	}
	bm.emitRegistry(ctx, ev)
}

// Crashed publishes a supervisor-originated `crashed` event.
func (bm *BusMonitor) Crashed(ctx context.Context, reason string) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryCrashed
	ev.Reason = reason
	bm.emitRegistry(ctx, ev)
}

// Restarting publishes a supervisor-originated `restarting` event.
func (bm *BusMonitor) Restarting(ctx context.Context, attempt int, reason string) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryRestarting
	ev.Attempt = attempt
	ev.Reason = reason
	bm.emitRegistry(ctx, ev)
}

// Failed publishes a supervisor-originated `failed` event, e.g. when the
// restart-window budget is exhausted (spec.md §4.8).
func (bm *BusMonitor) Failed(ctx context.Context, message string) {
	ev := bm.registryBase()
	ev.Event = bus.RegistryFailed
	ev.Message = message
	bm.emitRegistry(ctx, ev)
}

func (bm *BusMonitor) statusEvent() bus.StatusEvent {
	snap := bm.Monitor.Snapshot()
	return bus.StatusEvent{
		ServiceID: bm.desc.ServiceID(),
		Status:    snap.Status,
		Message:   snap.Message,
		Children:  snap.Children,
		Metrics:   snap.Metrics,
		Timestamp: status.ToWireTime(snap.Timestamp),
	}
}

// PublishStatusNow immediately publishes the current status snapshot,
// independent of runStatusLoop's periodic ticker. spec.md §4.3 requires a
// svc.status.<service_id> event "on each own-status change and aggregated
// change," not just on the DefaultStatusPeriod cadence; callers invoke this
// from every own-status transition (startup, ready, failed, shutting down).
func (bm *BusMonitor) PublishStatusNow(ctx context.Context) {
	if err := bm.bus.PublishStatus(ctx, bm.statusEvent()); err != nil {
		bm.zlog.Warn().Err(err).Msg("status publish failed")
		bm.recordPublishError("status")
	}
}

func (bm *BusMonitor) runStatusLoop(ctx context.Context) {
	defer bm.wg.Done()
	ticker := time.NewTicker(bm.statusPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bm.bus.PublishStatus(ctx, bm.statusEvent()); err != nil {
				bm.zlog.Warn().Err(err).Msg("status publish failed")
				bm.recordPublishError("status")
			}
		}
	}
}

func (bm *BusMonitor) runHeartbeatLoop(ctx context.Context) {
	defer bm.wg.Done()
	ticker := time.NewTicker(bm.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			seq := bm.Monitor.NextHeartbeatSequence()
			ev := bus.HeartbeatEvent{
				ServiceID:             bm.desc.ServiceID(),
				Sequence:              seq,
				UptimeSeconds:         bm.Monitor.Uptime().Seconds(),
				Status:                bm.Monitor.EffectiveStatus(),
				Timestamp:             status.ToWireTime(now),
				NextHeartbeatExpected: status.ToWireTime(now.Add(bm.heartbeatPeriod)),
			}
			if err := bm.bus.PublishHeartbeat(ctx, ev); err != nil {
				bm.zlog.Warn().Err(err).Msg("heartbeat publish failed")
				bm.recordPublishError("heartbeat")
				continue
			}
			bm.mu.Lock()
			r := bm.recorder
			bm.mu.Unlock()
			if r != nil {
				r.IncHeartbeatPublished()
			}
		}
	}
}

// healthResponse is the payload returned by the `health` RPC command.
type healthResponse struct {
	Status   status.Status         `json:"status"`
	Message  string                `json:"message,omitempty"`
	Children []status.ChildSummary `json:"children,omitempty"`
}

func (bm *BusMonitor) registerRPC(ctx context.Context) error {
	healthSub, err := bm.bus.RegisterRPCHandler(ctx, bus.RPCSubject(bm.desc.ServiceID(), "health"),
		func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
			snap := bm.Monitor.Snapshot()
			return json.Marshal(healthResponse{Status: snap.Status, Message: snap.Message, Children: snap.Children})
		})
	if err != nil {
		return err
	}

	statsSub, err := bm.bus.RegisterRPCHandler(ctx, bus.RPCSubject(bm.desc.ServiceID(), "stats"),
		func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
			snap := bm.Monitor.Snapshot()
			return json.Marshal(snap.Metrics)
		})
	if err != nil {
		_ = healthSub.Unsubscribe()
		return err
	}

	bm.mu.Lock()
	bm.rpcSubs = append(bm.rpcSubs, healthSub, statsSub)
	bm.mu.Unlock()
	return nil
}
