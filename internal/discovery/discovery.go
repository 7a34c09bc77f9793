// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package discovery implements the Discovery Client of spec.md §4.9 (C9):
// a read-only observer that reconstructs a map<service_id, ServiceView> by
// subscribing to svc.registry.>, svc.status.>, svc.heartbeat.>, warm-starting
// from replayed registry history, and maintaining a zombie detector on
// lapsed heartbeats.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/metrics"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// State is the projected lifecycle state of a service instance, derived
// from the registry event sequence (spec.md §4.9 projection rules).
type State string

const (
	StateDeclared   State = "DECLARED"
	StateRunning    State = "RUNNING"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
	StateCrashed    State = "CRASHED"
	StateRestarting State = "RESTARTING"
)

// ServiceView is the projected, current-state record for one service_id.
type ServiceView struct {
	ServiceID string
	Type      string
	Variant   string
	State     State
	Host      string
	PID       int

	Status   status.Status
	Message  string
	Children []status.ChildSummary
	Metrics  map[string]float64

	LastHeartbeat         time.Time
	HeartbeatSequence     int64
	NextHeartbeatExpected time.Time
	HeartbeatDead         bool

	UpdatedAt time.Time
}

// DefaultZombieGrace is the additional delay past NextHeartbeatExpected
// before an instance is marked heartbeat_dead (spec.md §5: "one missed
// heartbeat").
const DefaultZombieGrace = 5 * time.Second

// DefaultZombieScanInterval is how often the Client re-checks every known
// RUNNING instance for a lapsed heartbeat.
const DefaultZombieScanInterval = 5 * time.Second

// UpdateFunc is invoked by Follow whenever a ServiceView changes. It must
// not block for long; the Client calls it synchronously from its
// subscription/zombie-scan goroutines.
type UpdateFunc func(ServiceView)

// Client is the read-side projector of spec.md §4.9 (C9). The zero value
// is not usable; construct with New.
type Client struct {
	b     bus.Bus
	zlog  zerolog.Logger
	grace time.Duration
	scan  time.Duration

	mu        sync.RWMutex
	views     map[string]*ServiceView
	followers []UpdateFunc

	subs     []bus.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	recorder *metrics.Recorder
}

// SetRecorder attaches a metrics.Recorder this Client records zombie
// detections into. Optional: nil is a no-op.
func (c *Client) SetRecorder(r *metrics.Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// New constructs a Client bound to b. Call Start to begin warm-starting
// and following the live streams.
func New(b bus.Bus, zlog zerolog.Logger) *Client {
	return &Client{
		b:     b,
		zlog:  zlog.With().Str("component", "discovery").Logger(),
		grace: DefaultZombieGrace,
		scan:  DefaultZombieScanInterval,
		views: make(map[string]*ServiceView),
	}
}

// Follow registers f to be called on every ServiceView update, including
// ones already projected before Follow was called (an immediate replay of
// the current snapshot), matching spec.md §4.9's "streaming follow(on_update)
// mode". f may be called concurrently: updates are delivered from the
// subscription handlers and from the zombie-scan goroutine.
func (c *Client) Follow(f UpdateFunc) {
	c.mu.Lock()
	c.followers = append(c.followers, f)
	views := make([]ServiceView, 0, len(c.views))
	for _, v := range c.views {
		views = append(views, *v)
	}
	c.mu.Unlock()

	for _, v := range views {
		f(v)
	}
}

// Snapshot returns a one-shot copy of every known ServiceView, keyed by
// service_id (spec.md §4.9's "one-shot snapshot() mode").
func (c *Client) Snapshot() map[string]ServiceView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ServiceView, len(c.views))
	for id, v := range c.views {
		out[id] = *v
	}
	return out
}

// View returns the current ServiceView for serviceID, if known.
func (c *Client) View(serviceID string) (ServiceView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[serviceID]
	if !ok {
		return ServiceView{}, false
	}
	return *v, true
}

// Start warm-starts from persisted registry history, then subscribes live
// to the registry/status/heartbeat wildcards and launches the zombie
// detector. It returns once the warm-start replay has completed; the live
// subscriptions and zombie scan continue running until ctx is canceled.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.b.ReplayRegistry(runCtx, bus.RegistryWildcard, c.handleRegistry); err != nil {
		c.zlog.Warn().Err(err).Msg("registry warm-start replay failed, continuing live-only")
	}

	regSub, err := c.b.Subscribe(runCtx, bus.RegistryWildcard, c.handleRegistry)
	if err != nil {
		cancel()
		return err
	}
	statusSub, err := c.b.Subscribe(runCtx, bus.StatusWildcard, c.handleStatus)
	if err != nil {
		_ = regSub.Unsubscribe()
		cancel()
		return err
	}
	heartbeatSub, err := c.b.Subscribe(runCtx, bus.HeartbeatWildcard, c.handleHeartbeat)
	if err != nil {
		_ = regSub.Unsubscribe()
		_ = statusSub.Unsubscribe()
		cancel()
		return err
	}
	c.subs = []bus.Subscription{regSub, statusSub, heartbeatSub}

	c.wg.Add(1)
	go c.zombieScanLoop(runCtx)
	return nil
}

// Stop cancels the live subscriptions and zombie scan and waits for them
// to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.wg.Wait()
}

func (c *Client) mutate(serviceID string, mutate func(v *ServiceView)) {
	c.mu.Lock()
	v, ok := c.views[serviceID]
	if !ok {
		v = &ServiceView{ServiceID: serviceID}
		c.views[serviceID] = v
	}
	mutate(v)
	v.UpdatedAt = time.Now()
	cp := *v
	followers := append([]UpdateFunc(nil), c.followers...)
	c.mu.Unlock()

	for _, f := range followers {
		f(cp)
	}
}

// handleRegistry applies the projection rules of spec.md §4.9 to one
// registry event (live or replayed).
func (c *Client) handleRegistry(_ context.Context, _ string, payload []byte) error {
	var ev bus.RegistryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.zlog.Warn().Err(err).Msg("malformed registry event")
		return nil
	}

	c.mutate(ev.ServiceID, func(v *ServiceView) {
		v.Type = ev.Type
		v.Variant = ev.Variant
		v.Host = ev.Host
		v.PID = ev.PID

		switch ev.Event {
		case bus.RegistryDeclared:
			v.State = StateDeclared
		case bus.RegistryStart:
			v.State = StateRunning
			v.HeartbeatSequence = 0
			v.HeartbeatDead = false
		case bus.RegistryReady:
			v.State = StateRunning
		case bus.RegistryStopping:
			v.State = StateStopping
		case bus.RegistryStop:
			switch ev.Exit {
			case bus.ExitClean:
				v.State = StateStopped
			default:
				v.State = StateFailed
			}
			v.HeartbeatDead = false
		case bus.RegistryCrashed:
			v.State = StateCrashed
		case bus.RegistryRestarting:
			v.State = StateRestarting
		case bus.RegistryFailed:
			v.State = StateFailed
			v.Message = ev.Message
		}
	})
	return nil
}

func (c *Client) handleStatus(_ context.Context, _ string, payload []byte) error {
	var ev bus.StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.zlog.Warn().Err(err).Msg("malformed status event")
		return nil
	}
	c.mutate(ev.ServiceID, func(v *ServiceView) {
		v.Status = ev.Status
		v.Message = ev.Message
		v.Children = ev.Children
		v.Metrics = ev.Metrics
	})
	return nil
}

func (c *Client) handleHeartbeat(_ context.Context, _ string, payload []byte) error {
	var ev bus.HeartbeatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.zlog.Warn().Err(err).Msg("malformed heartbeat event")
		return nil
	}
	c.mutate(ev.ServiceID, func(v *ServiceView) {
		v.LastHeartbeat = status.FromWireTime(ev.Timestamp)
		v.HeartbeatSequence = ev.Sequence
		v.NextHeartbeatExpected = status.FromWireTime(ev.NextHeartbeatExpected)
		v.HeartbeatDead = false
		if len(ev.Metrics) > 0 {
			v.Metrics = ev.Metrics
		}
	})
	return nil
}

// zombieScanLoop periodically marks any RUNNING instance whose
// NextHeartbeatExpected has lapsed past grace as heartbeat_dead, a
// display-only flag that never changes State (spec.md §4.9/§5).
func (c *Client) zombieScanLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanZombies()
		}
	}
}

func (c *Client) scanZombies() {
	now := time.Now()
	c.mu.Lock()
	var toNotify []ServiceView
	for _, v := range c.views {
		if v.State != StateRunning || v.NextHeartbeatExpected.IsZero() || v.HeartbeatDead {
			continue
		}
		if now.After(v.NextHeartbeatExpected.Add(c.grace)) {
			v.HeartbeatDead = true
			v.UpdatedAt = now
			toNotify = append(toNotify, *v)
		}
	}
	followers := append([]UpdateFunc(nil), c.followers...)
	recorder := c.recorder
	c.mu.Unlock()

	for _, v := range toNotify {
		if recorder != nil {
			recorder.IncZombieDetected(v.ServiceID)
		}
		for _, f := range followers {
			f(v)
		}
	}
}
