// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command tcs-launcher is the multi-service launcher entry of spec.md §6.3
// (C8): one process that declares and supervises every service configured
// in its services.yaml, restarting each independently per its own restart
// policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/araucaria-project/tcs-supervisor/internal/bootstrap"
	"github.com/araucaria-project/tcs-supervisor/internal/examplesvc"
	"github.com/araucaria-project/tcs-supervisor/internal/logging"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

// shutdownGrace bounds how long the launcher waits for every Runner to
// finish its own graceful shutdown after the first SIGINT/SIGTERM before a
// second signal (or the grace timeout) forces immediate exit.
const shutdownGrace = 10 * time.Second

func newRegistry() *service.Registry {
	reg := service.NewRegistry()
	reg.Register("examplesvc.echo", func() (interface{}, error) {
		return examplesvc.New(examplesvc.DefaultInterval), nil
	})
	reg.Register("examplesvc.failing-start", func() (interface{}, error) {
		return &examplesvc.FailingStart{}, nil
	})
	reg.Register("examplesvc.crashing-oneshot", func() (interface{}, error) {
		return &examplesvc.CrashingOneShot{}, nil
	})
	return reg
}

func main() {
	var (
		configPath = flag.String("config", "", "path to services.yaml (required)")
		logLevel   = flag.String("log-level", "info", "trace|debug|info|warn|error")
		logFormat  = flag.String("log-format", "console", "json|console")
		name       = flag.String("name", "tcs-launcher", "Monitor/suture tree name for this launcher instance")
		subprocess = flag.String("subprocess-binary", "", "path to a tcs-service binary; if set, every configured service runs as a child process instead of in-process")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "tcs-launcher: --config is required")
		os.Exit(int(bootstrap.ExitConfig))
	}

	logging.Init(logging.Config{Level: *logLevel, Format: *logFormat})
	zlog := logging.WithComponent("tcs-launcher")

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		zlog.Info().Msg("shutdown signal received, stopping declared services")
		cancel()

		select {
		case <-sigCh:
			zlog.Warn().Msg("second signal received, forcing exit")
			os.Exit(int(bootstrap.SignalExit(int(syscall.SIGTERM))))
		case <-time.After(shutdownGrace):
			zlog.Warn().Dur("grace", shutdownGrace).Msg("shutdown grace exceeded, forcing exit")
			os.Exit(int(bootstrap.SignalExit(int(syscall.SIGTERM))))
		}
	}()

	code := bootstrap.RunLauncher(ctx, bootstrap.LauncherOptions{
		Name:             *name,
		Registry:         newRegistry(),
		ConfigFile:       *configPath,
		Logger:           zlog,
		SubprocessBinary: *subprocess,
	})
	cancel()
	os.Exit(int(code))
}
