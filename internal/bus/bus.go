// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus declares the abstract message-bus capability the framework
// depends on. spec.md §1 treats the concrete bus as an external
// collaborator ("the core consumes an abstract Bus capability"); this
// package is that boundary. internal/bus/natsbus provides the concrete
// JetStream/Watermill-backed implementation.
package bus

import (
	"context"
	"time"

	"github.com/araucaria-project/tcs-supervisor/internal/status"
)

// RegistryEventType enumerates the lifecycle events of spec.md §4.3.
type RegistryEventType string

const (
	RegistryDeclared   RegistryEventType = "declared"
	RegistryStart      RegistryEventType = "start"
	RegistryReady      RegistryEventType = "ready"
	RegistryStopping   RegistryEventType = "stopping"
	RegistryStop       RegistryEventType = "stop"
	RegistryCrashed    RegistryEventType = "crashed"
	RegistryRestarting RegistryEventType = "restarting"
	RegistryFailed     RegistryEventType = "failed"
)

// ExitClass classifies how a service instance terminated, carried on the
// `stop` registry event per spec.md §4.3.
type ExitClass string

const (
	ExitClean   ExitClass = "clean"
	ExitFailed  ExitClass = "failed"
	ExitCrashed ExitClass = "crashed"
)

// RegistryEvent is the payload of a `svc.registry.<event>.<service_id>`
// message.
type RegistryEvent struct {
	Event     RegistryEventType `json:"event"`
	ServiceID string            `json:"service_id"`
	Variant   string            `json:"variant"`
	Type      string            `json:"service_type"`
	LauncherID string           `json:"launcher_id,omitempty"`
	RunnerID  string            `json:"runner_id,omitempty"`
	Host      string            `json:"host"`
	PID       int               `json:"pid"`
	Timestamp status.WireTime   `json:"timestamp"`

	// Populated on `stop`.
	UptimeSeconds float64   `json:"uptime_seconds,omitempty"`
	Exit          ExitClass `json:"exit,omitempty"`

	// Populated on `failed`/`restarting`.
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusEvent is the payload of a `svc.status.<service_id>` message.
type StatusEvent struct {
	ServiceID string                `json:"service_id"`
	Status    status.Status         `json:"status"`
	Message   string                `json:"message,omitempty"`
	Children  []status.ChildSummary `json:"children,omitempty"`
	Metrics   map[string]float64    `json:"metrics,omitempty"`
	Timestamp status.WireTime       `json:"timestamp"`
}

// HeartbeatEvent is the payload of a `svc.heartbeat.<service_id>` message.
type HeartbeatEvent struct {
	ServiceID             string             `json:"service_id"`
	Sequence              int64              `json:"sequence"`
	UptimeSeconds         float64            `json:"uptime_seconds"`
	Status                status.Status      `json:"status"`
	Timestamp             status.WireTime    `json:"timestamp"`
	NextHeartbeatExpected status.WireTime    `json:"next_heartbeat_expected"`
	Metrics               map[string]float64 `json:"metrics,omitempty"`
}

// Handler processes one message delivered on a subscription. subject is the
// concrete subject the message was published on (useful when subscribing to
// a wildcard like "svc.registry.>").
type Handler func(ctx context.Context, subject string, payload []byte) error

// RPCHandler answers one RPC request and returns the response payload.
type RPCHandler func(ctx context.Context, subject string, payload []byte) ([]byte, error)

// Subscription can be cancelled by the subscriber.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the abstract publish/subscribe + RPC capability spec.md treats as
// an external collaborator. Every Publish* call is best-effort per §4.3: a
// transport failure is returned as an error, which callers log and do not
// treat as fatal.
type Bus interface {
	// PublishRegistry emits a lifecycle event on
	// svc.registry.<event>.<service_id>.
	PublishRegistry(ctx context.Context, ev RegistryEvent) error

	// PublishStatus emits a status snapshot on svc.status.<service_id>.
	PublishStatus(ctx context.Context, ev StatusEvent) error

	// PublishHeartbeat emits a heartbeat on svc.heartbeat.<service_id>.
	PublishHeartbeat(ctx context.Context, ev HeartbeatEvent) error

	// Subscribe attaches handler to a (possibly wildcarded) subject.
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)

	// ReplayRegistry replays persisted registry history matching subject
	// (a warm-start read, spec.md §4.9) before returning.
	ReplayRegistry(ctx context.Context, subject string, h Handler) error

	// Request performs a core (non-persistent) request/response call on
	// svc.rpc.<service_id>.v1.<command>.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// RegisterRPCHandler serves requests on subject until the returned
	// Subscription is unsubscribed or ctx is cancelled.
	RegisterRPCHandler(ctx context.Context, subject string, h RPCHandler) (Subscription, error)

	// Close flushes outstanding publishes and releases the connection.
	Close() error
}

// RegistrySubject builds the registry subject for a lifecycle event.
func RegistrySubject(event RegistryEventType, serviceID string) string {
	return "svc.registry." + string(event) + "." + serviceID
}

// RegistryWildcard is the subject pattern the Discovery Client subscribes to
// for all registry events.
const RegistryWildcard = "svc.registry.>"

// StatusSubject builds the status subject for a service.
func StatusSubject(serviceID string) string { return "svc.status." + serviceID }

// StatusWildcard is the subject pattern for all status events.
const StatusWildcard = "svc.status.>"

// HeartbeatSubject builds the heartbeat subject for a service.
func HeartbeatSubject(serviceID string) string { return "svc.heartbeat." + serviceID }

// HeartbeatWildcard is the subject pattern for all heartbeat events.
const HeartbeatWildcard = "svc.heartbeat.>"

// RPCSubject builds the versioned RPC subject for a service command.
func RPCSubject(serviceID, command string) string {
	return "svc.rpc." + serviceID + ".v1." + command
}
