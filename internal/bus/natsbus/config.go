// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package natsbus is the concrete bus.Bus implementation backed by NATS
// JetStream (persistence, retention tiers) and core NATS (RPC
// request/response), wired through Watermill the way
// internal/eventprocessor does in the teacher repo, with publish paths
// protected by a gobreaker circuit breaker.
package natsbus

import "time"

// StreamKind identifies one of the three retention tiers of spec.md §4.3.
type StreamKind string

const (
	StreamRegistry  StreamKind = "SVC_REGISTRY"
	StreamStatus    StreamKind = "SVC_STATUS"
	StreamHeartbeat StreamKind = "SVC_HEARTBEAT"
)

// StreamConfig configures one JetStream stream. Mirrors
// eventprocessor.StreamConfig in shape; Retention is always LimitsPolicy
// (FIFO discard-old) in this framework.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxMsgs  int64
	MaxBytes int64
	Replicas int
}

// Config bundles everything needed to stand up the bus connection, the
// three retention-tier streams, and the resilience wrapper around publish.
type Config struct {
	// URL is the NATS connection URL. Ignored when EmbeddedServer is set;
	// use ClientURL() on the returned Bus instead.
	URL string

	// EmbeddedServer, when non-nil, starts an in-process NATS server
	// (spec.md DOMAIN STACK: single-binary deployments) instead of dialing
	// an external one.
	EmbeddedServer *EmbeddedServerConfig

	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// RegistryMaxMsgs caps the registry stream per spec.md's
	// "unbounded with a generous cap" retention tier (resolved Open
	// Question: defaults to 1024 per subject equivalent, applied here as a
	// flat stream cap since JetStream has no native per-subject knob
	// exposed through this config surface).
	RegistryMaxMsgs int64
	// StatusMaxAge bounds the status tier by age (~30 days default).
	StatusMaxAge time.Duration
	// HeartbeatMaxAge bounds the heartbeat tier by age (~1 day default).
	HeartbeatMaxAge time.Duration

	CircuitBreaker CircuitBreakerConfig

	RPCTimeout time.Duration
}

// EmbeddedServerConfig configures an in-process NATS server with JetStream
// enabled, mirroring eventprocessor.ServerConfig.
type EmbeddedServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// CircuitBreakerConfig mirrors eventprocessor.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns production defaults, resolving the retention-tier
// Open Question from SPEC_FULL.md's DESIGN NOTES.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
		RegistryMaxMsgs: 1024,
		StatusMaxAge:    30 * 24 * time.Hour,
		HeartbeatMaxAge: 24 * time.Hour,
		CircuitBreaker: CircuitBreakerConfig{
			Name:             "bus-publish",
			MaxRequests:      3,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},
		RPCTimeout: 5 * time.Second,
	}
}

func (c Config) streams() []StreamConfig {
	return []StreamConfig{
		{
			Name:     string(StreamRegistry),
			Subjects: []string{"svc.registry.>"},
			MaxMsgs:  c.RegistryMaxMsgs,
			Replicas: 1,
		},
		{
			Name:     string(StreamStatus),
			Subjects: []string{"svc.status.>"},
			MaxAge:   c.StatusMaxAge,
			Replicas: 1,
		},
		{
			Name:     string(StreamHeartbeat),
			Subjects: []string{"svc.heartbeat.>"},
			MaxAge:   c.HeartbeatMaxAge,
			Replicas: 1,
		},
	}
}
