// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command tcs-service is the standalone service entry of spec.md §6.2: a
// process that hosts exactly one configured service instance, supervised
// locally by a single Controller, reporting through the bus.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/araucaria-project/tcs-supervisor/internal/bootstrap"
	"github.com/araucaria-project/tcs-supervisor/internal/config"
	"github.com/araucaria-project/tcs-supervisor/internal/examplesvc"
	"github.com/araucaria-project/tcs-supervisor/internal/logging"
	"github.com/araucaria-project/tcs-supervisor/internal/service"
)

// newRegistry builds the compiled-in constructor registry for this binary.
// A deployment that embeds tcs-supervisor as a library replaces this
// function with its own set of service.Registry.Register calls; the
// fixtures registered here (internal/examplesvc) keep the binary runnable
// out of the box, per spec.md §8's scenario services.
func newRegistry() *service.Registry {
	reg := service.NewRegistry()
	reg.Register("examplesvc.echo", func() (interface{}, error) {
		return examplesvc.New(examplesvc.DefaultInterval), nil
	})
	return reg
}

func main() {
	var (
		runnerID   = flag.String("runner-id", "", "coordination identifier assigned by the launching Runner, if any")
		parentName = flag.String("parent-name", "", "Monitor name of the parent this instance should attach under")
		typeFlag   = flag.String("type", "", "service_type to run (optional if exactly one type is registered)")
		logLevel   = flag.String("log-level", "info", "trace|debug|info|warn|error")
		logFormat  = flag.String("log-format", "console", "json|console")
	)
	flag.Parse()

	positional := flag.Args()
	var configFile, variant string
	if len(positional) > 0 {
		configFile = positional[0]
	}
	if len(positional) > 1 {
		variant = positional[1]
	}

	logging.Init(logging.Config{Level: *logLevel, Format: *logFormat})
	zlog := logging.WithComponent("tcs-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var gotSignal atomic.Int32
	go func() {
		sig := <-sigCh
		if s, ok := sig.(syscall.Signal); ok {
			gotSignal.Store(int32(s))
		}
		cancel()
	}()

	reserved := map[string]bool{"runner-id": true, "parent-name": true, "type": true, "log-level": true, "log-format": true}
	cliFields := config.ParseFieldOverrides(os.Args[1:], reserved)

	code := bootstrap.RunService(ctx, bootstrap.ServiceOptions{
		Registry:    newRegistry(),
		ConfigFile:  configFile,
		Variant:     variant,
		ServiceType: *typeFlag,
		RunnerID:    *runnerID,
		ParentName:  *parentName,
		CLIFields:   cliFields,
		Logger:      zlog,
	})

	if s := gotSignal.Load(); s != 0 {
		os.Exit(int(bootstrap.SignalExit(int(s))))
	}
	os.Exit(int(code))
}
