// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package status defines the Status enum and the worst-wins aggregation rule
// shared by every health-reporting component in the framework.
package status

import (
	"encoding/json"
	"time"
)

// Status is a totally ordered health level. Higher values are worse except
// for the transitional states STARTUP/SHUTDOWN, which rank below the error
// tier even though they are not "good" states.
type Status int

const (
	Unknown Status = iota
	OK
	Idle
	Busy
	Startup
	Shutdown
	Warning
	Degraded
	Error
	Failed
)

var names = [...]string{
	Unknown:  "UNKNOWN",
	OK:       "OK",
	Idle:     "IDLE",
	Busy:     "BUSY",
	Startup:  "STARTUP",
	Shutdown: "SHUTDOWN",
	Warning:  "WARNING",
	Degraded: "DEGRADED",
	Error:    "ERROR",
	Failed:   "FAILED",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(names) {
		return "UNKNOWN"
	}
	return names[s]
}

// Parse converts the wire string form back into a Status. Unknown strings
// map to Unknown rather than erroring, since a forward-compatible observer
// should degrade gracefully on an unrecognized status name.
func Parse(s string) Status {
	for st, n := range names {
		if n == s {
			return Status(st)
		}
	}
	return Unknown
}

// MarshalJSON encodes the status as its wire string name, per spec.md §3.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the wire string name back into a Status. An
// unrecognized name decodes to Unknown rather than erroring (see Parse).
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Parse(str)
	return nil
}

// Errorish reports whether the status is one of the statuses that
// cancel_error_status is allowed to clear: ERROR, DEGRADED, FAILED.
func (s Status) Errorish() bool {
	return s == Error || s == Degraded || s == Failed
}

// Aggregate returns the worst (highest-ranked) status among the given
// statuses. It is the single place Status ordering is encoded; every other
// comparison in the framework must go through this function or its
// two-argument sibling Worse.
func Aggregate(statuses ...Status) Status {
	worst := Unknown
	for _, s := range statuses {
		worst = Worse(worst, s)
	}
	return worst
}

// Worse returns whichever of a, b ranks higher in the total order.
func Worse(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Report is the StatusReport value type of spec.md §3: a snapshot of a
// Monitor's (possibly aggregated) health at a point in time.
type Report struct {
	Status    Status             `json:"status"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Children  []ChildSummary     `json:"children,omitempty"`
}

// ChildSummary is the per-child entry carried in a parent Monitor's
// published status report.
type ChildSummary struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// WireTime is the UTC 7-tuple [Y,M,D,h,m,s,µs] representation mandated by
// spec.md §3/§4.3 for timestamps on the wire.
type WireTime [7]int

// ToWireTime converts a time.Time to the UTC 7-tuple wire format.
func ToWireTime(t time.Time) WireTime {
	u := t.UTC()
	return WireTime{
		u.Year(), int(u.Month()), u.Day(),
		u.Hour(), u.Minute(), u.Second(),
		u.Nanosecond() / 1000,
	}
}

// FromWireTime converts a UTC 7-tuple back into a time.Time.
func FromWireTime(w WireTime) time.Time {
	return time.Date(w[0], time.Month(w[1]), w[2], w[3], w[4], w[5], w[6]*1000, time.UTC)
}
