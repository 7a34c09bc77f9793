// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package examplesvc provides a minimal "echo" Loop-kind service used by
// the concrete scenarios of spec.md §8 (S1-S3) and by cmd/tcs-service's
// default registration. It is not a domain service in the sense spec.md §1
// excludes ("tutorial example services... treated as interfaces only") —
// it exists solely so the framework has something runnable out of the box,
// the same role the teacher's own demo/example wiring plays for its stack.
package examplesvc

import (
	"context"
	"time"
)

// FieldSchema-equivalent defaults consumed by Echo's config.
const (
	DefaultInterval = 5 * time.Second
)

// Echo is a Loop-kind service (spec.md §4.7): it calls Tick on an interval
// until canceled. It deliberately has no Start/Stop methods of its own so
// DetectKind classifies it as a Loop, not a Permanent service.
type Echo struct {
	Interval time.Duration

	// Tick is invoked once per interval; nil is a valid no-op default.
	Tick func()

	startCount int
	stopCount  int
}

// New constructs an Echo with the given tick interval (DefaultInterval if
// interval <= 0).
func New(interval time.Duration) *Echo {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Echo{Interval: interval}
}

// OnStart satisfies service.Starter.
func (e *Echo) OnStart(context.Context) error {
	e.startCount++
	return nil
}

// OnStop satisfies service.Stopper.
func (e *Echo) OnStop(context.Context) error {
	e.stopCount++
	return nil
}

// Run satisfies service.Loop: it ticks until ctx is canceled.
func (e *Echo) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.Tick != nil {
				e.Tick()
			}
		}
	}
}

// FailingStart is a Permanent-kind fixture that always fails on Start,
// exercising spec.md §8 scenario S2 (startup failure -> FAILED, exit 1).
type FailingStart struct {
	Message string
}

func (f *FailingStart) Start(context.Context) error {
	msg := f.Message
	if msg == "" {
		msg = "boom"
	}
	return &startupError{msg}
}

func (f *FailingStart) Stop(context.Context) error { return nil }

type startupError struct{ msg string }

func (e *startupError) Error() string { return e.msg }

// CrashingOneShot is a OneShot-kind fixture that exits with a non-nil error
// every time, exercising spec.md §8 scenario S3 (restart accounting).
type CrashingOneShot struct {
	Err error
}

func (c *CrashingOneShot) Execute(context.Context) error {
	if c.Err != nil {
		return c.Err
	}
	return errExit1
}

var errExit1 = &startupError{"exit code 1"}
