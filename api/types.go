// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "time"

// ConnState enumerates the per-peer connection state machine of spec §4.G.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnResolvingAddr
	ConnResolvingRoute
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnResolvingAddr:
		return "resolving_addr"
	case ConnResolvingRoute:
		return "resolving_route"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PTEStatus enumerates the lifecycle of a portal-table entry (spec §3/§4.B).
type PTEStatus int

const (
	PTEUnallocated PTEStatus = iota
	PTEDisabled
	PTEEnabledNoEQ
	PTEEnabled
)

func (s PTEStatus) String() string {
	switch s {
	case PTEDisabled:
		return "disabled"
	case PTEEnabledNoEQ:
		return "enabled-without-eq"
	case PTEEnabled:
		return "enabled"
	default:
		return "unallocated"
	}
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string
	Version   string
	Build     string
	StartedAt time.Time
}
