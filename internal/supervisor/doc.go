// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package supervisor implements the cross-process lifecycle coordination of
spec.md §4.8 (C8): Runner and Launcher.

A Runner owns exactly one configured service instance. It builds a fresh
Controller per attempt (internal/controller), drives it through
Initialize/Start, waits for it to reach a terminal state, and decides
whether to restart according to the instance's restart policy
(no/on-failure/on-abnormal/always) and a bounded restart-window accounting
scheme — never suture's own failure-decay backoff, which governs only how
hard suture itself retries a Runner whose Serve method returns an error
outside that bookkeeping.

A Launcher owns every Runner configured for a process: it publishes
`declared` for all configured services before starting any of them, starts
every Runner in parallel, and on shutdown (cancelling the context passed to
Start) stops every Runner through the suture tree.

# Supervision tree

Runner implements suture.Service, so a Launcher hosts its Runners on a Tree
(internal/supervisor/tree.go), the same suture-based tree-of-supervisors
structure used elsewhere in the stack, generalized from a fixed layer split
to one root supervising every Runner directly.
*/
package supervisor
