// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/metrics"
	"github.com/araucaria-project/tcs-supervisor/internal/monitor"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

// DefaultShutdownGrace is the suture tree's ShutdownTimeout (how long
// cancelling Start's context waits for every Runner to exit) and the wait
// bound of the `stop.<id>` RPC command.
const DefaultShutdownGrace = 15 * time.Second

// runnerService is the common surface of Runner (in-process mode) and
// SubprocessRunner (subprocess mode), letting Launcher host either under
// one Tree and one aggregation Monitor without caring which mode a given
// instance runs in (spec.md §4.8's "two execution modes").
type runnerService interface {
	suture.Service
	ServiceID() string
	Monitor() *monitor.Monitor
	Declared(ctx context.Context)
	SetRecorder(*metrics.Recorder)
}

// Launcher owns every Runner configured for one process (spec.md §4.8, C8):
// it publishes `declared` for all configured services before starting any
// of them, starts every Runner concurrently, and aggregates their Monitors
// under its own. By default it runs every Runner in-process; call
// UseSubprocesses before Declare to spawn each configured service as a
// child process instead.
type Launcher struct {
	id       string
	registry *service.Registry
	b        bus.Bus
	zlog     zerolog.Logger

	mon      *monitor.Monitor
	tree     *Tree
	recorder *metrics.Recorder

	mu               sync.Mutex
	runners          []runnerService
	byID             map[string]*launcherEntry
	order            []string
	rpcSubs          []bus.Subscription
	subprocessBinary string
	subprocessConfig string
	started          bool
}

// launcherEntry tracks one declared instance's dynamic start/stop state for
// the `start.<id>`/`stop.<id>` RPC commands of spec.md §4.3. token and
// running are only meaningful once the Launcher itself has started serving
// its tree.
type launcherEntry struct {
	desc    config.ServiceDescriptor
	runner  runnerService
	token   suture.ServiceToken
	running bool
}

// UseSubprocesses switches this Launcher into subprocess mode (spec.md
// §4.8): Declare will spawn a child process running binaryPath (the
// standalone service entry, cmd/tcs-service) per configured instance
// instead of instantiating a Controller in this process. configFile is
// forwarded unchanged as the child's own config-file argument. Call before
// Declare; it has no effect on already-declared Runners.
func (l *Launcher) UseSubprocesses(binaryPath, configFile string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subprocessBinary = binaryPath
	l.subprocessConfig = configFile
}

// NewLauncher constructs a Launcher named name (used as both its Monitor
// name and suture tree name). slogger feeds suture's own event hook; pass
// nil to use slog.Default().
func NewLauncher(name string, registry *service.Registry, b bus.Bus, zlog zerolog.Logger, slogger *slog.Logger) (*Launcher, error) {
	m, err := monitor.New(name, "")
	if err != nil {
		return nil, fmt.Errorf("construct launcher monitor: %w", err)
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	treeCfg := DefaultTreeConfig()
	treeCfg.ShutdownTimeout = DefaultShutdownGrace
	tree := NewTree(name, slogger, treeCfg)

	recorder := metrics.NewRecorder(metricsNamespace(name))
	m.AddMetricCb(recorder.Snapshot)

	return &Launcher{
		id:       name,
		registry: registry,
		b:        b,
		zlog:     zlog.With().Str("launcher", name).Logger(),
		mon:      m,
		tree:     tree,
		recorder: recorder,
	}, nil
}

// metricsNamespace derives a Prometheus-safe namespace from a launcher name,
// replacing characters Prometheus metric names disallow.
func metricsNamespace(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Monitor returns the Launcher's own Monitor, to which every Runner's
// Monitor is attached as a child once Declare has run.
func (l *Launcher) Monitor() *monitor.Monitor { return l.mon }

// Metrics returns the Launcher's metrics Recorder, whose Registry() an
// embedder can expose via promhttp.HandlerFor on its own /metrics endpoint (spec.md's
// DOMAIN STACK: "a puller is external, out of scope").
func (l *Launcher) Metrics() *metrics.Recorder { return l.recorder }

// newRunner builds a Runner or SubprocessRunner for desc depending on
// whether UseSubprocesses has switched this Launcher into subprocess mode.
// Shared by Declare and the `start.<id>` RPC command, which must construct
// a fresh instance rather than reuse one whose Serve loop already returned.
func (l *Launcher) newRunner(desc config.ServiceDescriptor) (runnerService, error) {
	if l.subprocessBinary != "" {
		return NewSubprocessRunner(desc, l.subprocessBinary, l.subprocessConfig, desc.ServiceID(), l.b, l.zlog)
	}
	return NewRunner(desc, l.registry, l.b, l.zlog)
}

// Declare builds a Runner for each descriptor, attaches its Monitor as a
// child of the Launcher's, and publishes `declared` for all of them before
// any Runner is started — the ordering invariant of spec.md §4.3 ("every
// configured instance announces itself before the first one starts").
func (l *Launcher) Declare(ctx context.Context, descs []config.ServiceDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	runners := make([]runnerService, 0, len(descs))
	byID := make(map[string]*launcherEntry, len(descs))
	order := make([]string, 0, len(descs))
	for _, desc := range descs {
		r, err := l.newRunner(desc)
		if err != nil {
			return fmt.Errorf("declare %s: %w", desc.ServiceID(), err)
		}
		r.SetRecorder(l.recorder)
		l.mon.AddChild(r.Monitor())
		runners = append(runners, r)

		id := desc.ServiceID()
		byID[id] = &launcherEntry{desc: desc, runner: r}
		order = append(order, id)
	}
	for _, r := range runners {
		r.Declared(ctx)
	}
	l.runners = runners
	l.byID = byID
	l.order = order
	l.recorder.SetDeclaredServices(len(runners))
	return nil
}

// Start adds every declared Runner to the supervision tree, registers the
// `list`/`start.<id>`/`stop.<id>` RPC commands of spec.md §4.3, and serves
// the tree concurrently. It blocks until ctx is canceled, at which point
// suture drives every Runner's graceful shutdown (bounded by the tree's
// ShutdownTimeout) before Start returns — there is no separate Stop method;
// canceling ctx is the shutdown trigger, matching how the tree itself is
// driven elsewhere in the stack.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	for _, id := range l.order {
		entry := l.byID[id]
		entry.token = l.tree.Add(entry.runner)
		entry.running = true
	}
	l.started = true
	l.mu.Unlock()

	if err := l.registerRPC(ctx); err != nil {
		l.zlog.Warn().Err(err).Msg("failed to register launcher RPC handlers")
	}

	err := l.tree.Serve(ctx)

	if report, rerr := l.tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		l.zlog.Warn().Int("unstopped", len(report)).Msg("launcher shutdown grace exceeded for some runners")
	}
	return err
}

// Runners returns every declared Runner/SubprocessRunner, in declaration
// order.
func (l *Launcher) Runners() []runnerService {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]runnerService, len(l.runners))
	copy(out, l.runners)
	return out
}
