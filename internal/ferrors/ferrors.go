// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ferrors defines the error taxonomy of spec.md §7: tagged kinds
// rather than ad-hoc error strings, so Controllers and Runners can branch on
// classification with errors.As instead of string matching.
package ferrors

import "fmt"

// Kind tags an error with one of the taxonomy entries in spec.md §7.
type Kind string

const (
	KindConfig       Kind = "config"
	KindDiscovery    Kind = "discovery"
	KindStartup      Kind = "startup"
	KindRuntime      Kind = "runtime"
	KindShutdown     Kind = "shutdown"
	KindBus          Kind = "bus"
	KindRestartLimit Kind = "restart_limit"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, ferrors.KindOf(ferrors.KindConfig)) style checks work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func new_(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config wraps a configuration-resolution failure. Fatal at startup
// (spec.md §7): reported on stderr with exit code 2, no bus publish.
func Config(op string, err error) *Error { return new_(KindConfig, op, err) }

// Discovery wraps a "service type not registered" failure.
func Discovery(op string, err error) *Error { return new_(KindDiscovery, op, err) }

// Startup wraps a failure raised by a service's own start hook.
func Startup(op string, err error) *Error { return new_(KindStartup, op, err) }

// Runtime wraps an exception inside a running service.
func Runtime(op string, err error) *Error { return new_(KindRuntime, op, err) }

// Shutdown wraps a failure raised by a service's own stop hook.
func Shutdown(op string, err error) *Error { return new_(KindShutdown, op, err) }

// Bus wraps a publish/subscribe transport failure. Non-fatal by design.
func Bus(op string, err error) *Error { return new_(KindBus, op, err) }

// RestartLimit is not an exception in the source system; it is represented
// here so Runner code can use the same errors.As-based classification for
// logging even though it's surfaced as a registry event, not a returned
// error.
func RestartLimit(op string) *Error { return new_(KindRestartLimit, op, nil) }

// KindOf returns a convenience matcher: errors.Is(err, ferrors.KindOf(ferrors.KindBus)).
func KindOf(k Kind) *Error { return &Error{Kind: k} }
