// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package natsbus

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// embeddedServer wraps an in-process *server.Server, grounded on
// eventprocessor.EmbeddedServer in the teacher repo.
type embeddedServer struct {
	ns *natsserver.Server
}

func newEmbeddedServer(cfg *EmbeddedServerConfig) (*embeddedServer, error) {
	opts := &natsserver.Options{
		ServerName:        "tcs-supervisor",
		Host:              cfg.Host,
		Port:              cfg.Port,
		JetStream:         true,
		StoreDir:          cfg.StoreDir,
		JetStreamMaxMemory: cfg.JetStreamMaxMem,
		JetStreamMaxStore: cfg.JetStreamMaxStore,
		DontListen:        false,
		MaxPayload:        8 * 1024 * 1024,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready after 30s")
	}

	return &embeddedServer{ns: ns}, nil
}

func (e *embeddedServer) ClientURL() string { return e.ns.ClientURL() }

func (e *embeddedServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.ns.Shutdown()
		e.ns.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
