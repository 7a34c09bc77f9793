// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pcontext implements the Process Context of spec.md §4.5 (C5):
// the one bus handle, config resolver, and controller set shared by every
// component in a process. spec.md §9's REDESIGN FLAGS retarget this away
// from the source system's global singleton: "the 'singleton' guarantee is
// a program-structure contract, not a language feature" there is exactly
// one *Context because cmd/ constructs exactly one and threads it through
// every component it starts, the same way the teacher threads its
// *eventprocessor.Manager from main into every consumer rather than
// reaching for a package-level var.
package pcontext

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/controller"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

// DefaultShutdownGrace bounds how long Close waits for every registered
// Controller to stop before giving up and returning anyway.
const DefaultShutdownGrace = 15 * time.Second

// Context is the process-wide collaborator set: one Bus, one Resolver, one
// service Registry, and the Controllers constructed against them. Build
// exactly one per process with New and pass it explicitly to every
// component that needs it; Context holds no package-level state of its own.
type Context struct {
	Bus      bus.Bus
	Resolver *config.Resolver
	Services *service.Registry
	Logger   zerolog.Logger

	mu          sync.Mutex
	initialized bool
	controllers []*controller.Controller // reverse-registration order on shutdown
}

// New constructs a Context. b may be bus.Noop{} for degraded-mode startup
// (spec.md §4.3: "bus unavailable at startup does not block local
// supervision"). The returned Context is not yet initialized; call
// Initialize before registering Controllers.
func New(b bus.Bus, resolver *config.Resolver, services *service.Registry, zlog zerolog.Logger) *Context {
	return &Context{
		Bus:      b,
		Resolver: resolver,
		Services: services,
		Logger:   zlog,
	}
}

// Initialize marks the Context ready. It is idempotent: a second call is a
// no-op, matching spec.md's "singleton guarantee" framed as initialize-once
// rather than construct-once, since a process may probe readiness from more
// than one component before any of them knows whether another got there
// first.
func (c *Context) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.initialized = true
	c.Logger.Info().Msg("process context initialized")
	return nil
}

// NewController builds a Controller for desc against this Context's Bus and
// Registry, and registers it for inclusion in Close's shutdown ordering.
// Registration order is preserved so Close can stop controllers in reverse
// (spec.md §4.5: later-started services stop first).
func (c *Context) NewController(desc config.ServiceDescriptor) *controller.Controller {
	ctl := controller.New(desc, c.Services, c.Bus, c.Logger)
	c.mu.Lock()
	c.controllers = append(c.controllers, ctl)
	c.mu.Unlock()
	return ctl
}

// Controllers returns every Controller registered via NewController, in
// registration order.
func (c *Context) Controllers() []*controller.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*controller.Controller, len(c.controllers))
	copy(out, c.controllers)
	return out
}

// Close performs the graceful shutdown ordering of spec.md §4.5: stop every
// registered Controller in reverse-registration order (each bounded by its
// own controller.DefaultStopGrace), then close the Bus. A Controller stop
// error is logged and does not prevent the remaining Controllers or the Bus
// close from proceeding, since an abandoned service is already marked
// FAILED by the Controller itself.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	ctls := make([]*controller.Controller, len(c.controllers))
	copy(ctls, c.controllers)
	c.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownGrace)
	defer cancel()

	for i := len(ctls) - 1; i >= 0; i-- {
		ctl := ctls[i]
		if err := ctl.Stop(shutdownCtx); err != nil {
			c.Logger.Warn().Err(err).Msg("controller did not stop cleanly")
		}
	}

	if err := c.Bus.Close(); err != nil {
		return fmt.Errorf("close bus: %w", err)
	}
	return nil
}
