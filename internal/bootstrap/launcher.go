// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
	"github.com/araucaria-project/tcs-supervisor/internal/supervisor"
)

// LauncherOptions configures RunLauncher.
type LauncherOptions struct {
	Name       string
	Registry   *service.Registry
	ConfigFile string
	Logger     zerolog.Logger
	SLogger    *slog.Logger

	// SubprocessBinary, when non-empty, switches the Launcher into
	// subprocess mode (spec.md §4.8): every configured service is spawned
	// as a child process running this standalone-service-entry binary
	// instead of being driven by a Controller inside this process. Leave
	// empty for in-process mode.
	SubprocessBinary string
}

// RunLauncher implements the launcher CLI surface of spec.md §6.3 (C8): load
// configuration, connect the bus, publish `declared` for every configured
// service before starting any of them, then run every Runner concurrently
// until ctx is canceled (the caller is expected to cancel ctx on
// SIGINT/SIGTERM after its own grace-period bookkeeping).
func RunLauncher(ctx context.Context, opts LauncherOptions) ExitCode {
	zlog := opts.Logger

	resolver := config.NewResolver(zlog)
	if err := resolver.LoadFile(opts.ConfigFile); err != nil {
		zlog.Error().Err(err).Str("config_file", opts.ConfigFile).Msg("failed to load configuration")
		return ExitConfig
	}

	b := ConnectBus(ctx, resolver, nil, zlog)
	defer func() { _ = b.Close() }()

	launcher, err := supervisor.NewLauncher(opts.Name, opts.Registry, b, zlog, opts.SLogger)
	if err != nil {
		zlog.Error().Err(err).Msg("failed to construct launcher")
		return ExitGeneric
	}
	if opts.SubprocessBinary != "" {
		launcher.UseSubprocesses(opts.SubprocessBinary, opts.ConfigFile)
		zlog.Info().Str("binary", opts.SubprocessBinary).Msg("launcher running in subprocess mode")
	}

	descs := resolver.ConfiguredServices()
	if err := launcher.Declare(ctx, descs); err != nil {
		zlog.Error().Err(err).Msg("failed to declare configured services")
		return ExitGeneric
	}
	zlog.Info().Int("count", len(descs)).Msg("declared configured services")

	if err := launcher.Start(ctx); err != nil && ctx.Err() == nil {
		zlog.Error().Err(err).Msg("launcher exited with error")
		return ExitGeneric
	}
	return ExitOK
}
