// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bootstrap wires the two-phase configuration bootstrap of spec.md
// §4.4/§4.5 and the process-level lifecycle of the standalone service entry
// (§6.2, C6) and the launcher entry (§6.3, C8) into reusable functions, so
// cmd/tcs-service and cmd/tcs-launcher stay thin argument-parsing shells —
// the same split the teacher's cmd/server keeps between main() and its
// init* helper functions.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/bus"
	"github.com/araucaria-project/tcs-supervisor/internal/bus/natsbus"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/controller"
	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
	"github.com/araucaria-project/tcs-supervisor/internal/pcontext"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

// ExitCode classifies how a cmd entry should exit, per spec.md §6.2.
type ExitCode int

const (
	ExitOK            ExitCode = 0
	ExitGeneric       ExitCode = 1
	ExitConfig        ExitCode = 2
	exitSignalBase    ExitCode = 128
)

// SignalExit computes the >128 exit code for termination by signal n
// (spec.md §6.2).
func SignalExit(n int) ExitCode { return exitSignalBase + ExitCode(n) }

// ConnectBus performs the two-phase bootstrap of spec.md §4.4/§4.5: resolve
// bus_host/bus_port from file+env(+CLI), then connect. A connect failure
// degrades to bus.Noop rather than blocking startup, matching spec.md
// §4.3's "if the bus is unavailable at startup, the Monitor degrades to a
// no-op"; only an unreadable/malformed config file is the fatal
// ConfigError case (§7).
func ConnectBus(ctx context.Context, resolver *config.Resolver, cliOverrides map[string]string, zlog zerolog.Logger) bus.Bus {
	addr := resolver.BootstrapBusAddress(cliOverrides)
	cfg := natsbus.DefaultConfig(fmt.Sprintf("nats://%s:%d", addr.Host, addr.Port))

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b, err := natsbus.New(connectCtx, cfg, zlog)
	if err != nil {
		zlog.Warn().Err(err).Str("host", addr.Host).Int("port", addr.Port).
			Msg("bus unavailable at startup, degrading to no-op bus")
		return bus.Noop{}
	}
	return b
}

// ServiceOptions configures RunService.
type ServiceOptions struct {
	Registry    *service.Registry
	ConfigFile  string
	Variant     string
	ServiceType string // optional: inferred when Registry has exactly one entry
	RunnerID    string
	ParentName  string
	CLIFields   map[string]string
	Logger      zerolog.Logger
}

// ResolveServiceType implements the --type inference rule of SPEC_FULL.md's
// §6.2 CLI supplement: explicit ServiceType wins; otherwise a Registry with
// exactly one registered constructor is used; anything else is a
// ConfigError.
func ResolveServiceType(opts ServiceOptions) (string, error) {
	if opts.ServiceType != "" {
		return opts.ServiceType, nil
	}
	types := opts.Registry.Types()
	if len(types) == 1 {
		return types[0], nil
	}
	return "", ferrors.Config("resolve service type",
		fmt.Errorf("--type is required: registry has %d registered types", len(types)))
}

// RunService implements the standalone service entry lifecycle of spec.md
// §6.2 (C6 wrapped by C5's Process Context): load config, bootstrap the
// bus, resolve this instance's descriptor, construct a Controller, drive
// Initialize/Start, and block until ctx is canceled or the service exits on
// its own, then Stop and report the resulting ExitCode.
func RunService(ctx context.Context, opts ServiceOptions) ExitCode {
	zlog := opts.Logger

	resolver := config.NewResolver(zlog)
	if err := resolver.LoadFile(opts.ConfigFile); err != nil {
		zlog.Error().Err(err).Str("config_file", opts.ConfigFile).Msg("failed to load configuration")
		return ExitConfig
	}

	serviceType, err := ResolveServiceType(opts)
	if err != nil {
		zlog.Error().Err(err).Msg("failed to resolve service type")
		return ExitConfig
	}

	b := ConnectBus(ctx, resolver, opts.CLIFields, zlog)
	pc := pcontext.New(b, resolver, opts.Registry, zlog)
	if err := pc.Initialize(ctx); err != nil {
		zlog.Error().Err(err).Msg("failed to initialize process context")
		return ExitGeneric
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), pcontext.DefaultShutdownGrace)
		defer cancel()
		_ = pc.Close(shutdownCtx)
	}()

	desc, err := resolver.ResolveService(serviceType, opts.Variant, nil, opts.CLIFields)
	if err != nil {
		zlog.Error().Err(err).Str("service_type", serviceType).Str("variant", opts.Variant).
			Msg("failed to resolve service configuration")
		return ExitConfig
	}

	ctl := pc.NewController(desc)
	ctl.SetInstanceMeta(opts.RunnerID, opts.ParentName)

	if err := ctl.Initialize(ctx); err != nil {
		zlog.Error().Err(err).Msg("controller initialization failed")
		return ExitGeneric
	}
	if err := ctl.Start(ctx); err != nil {
		zlog.Error().Err(err).Msg("service start hook failed")
		return ExitGeneric
	}

	select {
	case res := <-ctl.Done():
		return exitCodeFor(res)
	case <-ctx.Done():
		_ = ctl.Stop(context.Background())
		res := <-ctl.Done()
		return exitCodeFor(res)
	}
}

func exitCodeFor(res controller.ExitResult) ExitCode {
	if res.State == controller.Failed {
		return ExitGeneric
	}
	return ExitOK
}
