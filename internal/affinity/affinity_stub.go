//go:build !linux && !windows

// File: internal/affinity/affinity_stub.go
// Grounded on affinity/affinity_stub.go.
package affinity

import "errors"

func pinPlatform(cpuID int) error {
	return errors.New("affinity: not supported on this platform")
}
