// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components that need an ordered,
// idempotent teardown path distinct from Close (internal/progress.Supervisor
// implements it over its errgroup of progress Workers).
type GracefulShutdown interface {
	// Shutdown stops every internal service and releases its resources,
	// returning an error on failure.
	Shutdown() error
}
