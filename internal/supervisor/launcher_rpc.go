// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// listEntryResponse is one row of the `list` RPC response: the declared
// instances this Launcher owns and whether each is currently running.
type listEntryResponse struct {
	ServiceID string        `json:"service_id"`
	Running   bool          `json:"running"`
	Status    status.Status `json:"status"`
}

// ackResponse is the payload `start.<id>`/`stop.<id>` return on success.
type ackResponse struct {
	ServiceID string `json:"service_id"`
	Running   bool   `json:"running"`
}

// List reports the current running state of every declared instance, the
// data backing the `list` RPC command.
func (l *Launcher) List() []listEntryResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]listEntryResponse, 0, len(l.order))
	for _, id := range l.order {
		e := l.byID[id]
		out = append(out, listEntryResponse{
			ServiceID: id,
			Running:   e.running,
			Status:    e.runner.Monitor().EffectiveStatus(),
		})
	}
	return out
}

// StartID (re)adds the named declared instance to the supervision tree. It
// is a no-op error if the instance is already running; serving spec.md
// §4.3's `start.<id>` command. A fresh Runner/SubprocessRunner is
// constructed rather than reusing the previous instance, since a Runner's
// internal stop bookkeeping is one-shot for its own Serve call.
func (l *Launcher) StartID(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("no declared instance %q", id)
	}
	if e.running {
		return fmt.Errorf("instance %q is already running", id)
	}
	if !l.started {
		return fmt.Errorf("launcher has not started serving yet")
	}

	r, err := l.newRunner(e.desc)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	r.SetRecorder(l.recorder)
	r.Declared(ctx)

	e.runner = r
	e.token = l.tree.Add(r)
	e.running = true
	return nil
}

// StopID removes the named declared instance from the supervision tree,
// waiting up to DefaultShutdownGrace for it to exit cleanly; serving
// spec.md §4.3's `stop.<id>` command. The instance stays declared and can
// be restarted later via StartID.
func (l *Launcher) StopID(id string) error {
	l.mu.Lock()
	e, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("no declared instance %q", id)
	}
	if !e.running {
		l.mu.Unlock()
		return fmt.Errorf("instance %q is not running", id)
	}
	token := e.token
	l.mu.Unlock()

	err := l.tree.RemoveAndWait(token, DefaultShutdownGrace)

	l.mu.Lock()
	e.running = false
	l.mu.Unlock()
	return err
}

// registerRPC serves the launcher-level RPC surface of spec.md §4.3 on
// svc.rpc.<launcher_id>.v1.*: `list` plus one `start.<id>`/`stop.<id>` pair
// per declared instance (NATS core subjects are literal, so each instance
// gets its own subject rather than one handler parsing an id argument).
func (l *Launcher) registerRPC(ctx context.Context) error {
	listSub, err := l.b.RegisterRPCHandler(ctx, bus.RPCSubject(l.id, "list"),
		func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
			return json.Marshal(l.List())
		})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.rpcSubs = append(l.rpcSubs, listSub)
	ids := append([]string(nil), l.order...)
	l.mu.Unlock()

	for _, id := range ids {
		id := id
		startSub, err := l.b.RegisterRPCHandler(ctx, bus.RPCSubject(l.id, "start."+id),
			func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
				if err := l.StartID(ctx, id); err != nil {
					return nil, err
				}
				return json.Marshal(ackResponse{ServiceID: id, Running: true})
			})
		if err != nil {
			return err
		}
		stopSub, err := l.b.RegisterRPCHandler(ctx, bus.RPCSubject(l.id, "stop."+id),
			func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
				if err := l.StopID(id); err != nil {
					return nil, err
				}
				return json.Marshal(ackResponse{ServiceID: id, Running: false})
			})
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.rpcSubs = append(l.rpcSubs, startSub, stopSub)
		l.mu.Unlock()
	}
	return nil
}
