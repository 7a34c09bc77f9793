// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics provides the Prometheus collectors backing the `stats`
// RPC command (internal/busmonitor) and the Launcher's own metrics surface
// (internal/supervisor), grounded in the teacher's promauto-based
// instrumentation style.
//
// Unlike the teacher's HTTP/DB-facing metrics, every collector here is
// registered against a private prometheus.Registry owned by the Recorder
// that NewRecorder returns (see Recorder.Registry) rather than the global DefaultRegisterer: a process may host many
// Controllers and Runners, each wanting its own Recorder, and a shared
// global registry would collide on metric registration across them.
package metrics
