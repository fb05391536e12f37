// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poller abstracts batched readiness polling over a wire completion queue
// or any other readiness-driven source. No package in this tree
// implements or calls it; internal/progress polls through its own
// WireSource/ShmemSource interfaces.

package api

// Poller represents a batched event-reactor.
type Poller interface {
	// Poll fills buf with up to len(buf) ready events; returns count, error.
	Poll(buf []ReadinessEvent) (n int, err error)
	// Stop gracefully stops the poller, releasing resources.
	Stop() error
}
