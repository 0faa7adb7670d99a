// Package transport implements the core of the distributed RPC
// transport: the Channel (C3), the Connection Manager (C4), the
// Retrying Caller (C5), the Server Interceptor (C6), and the Server
// Host (C7) from spec §4.
package transport

import (
	"time"

	"google.golang.org/grpc/connectivity"
)

// ChannelState is spec §3's enumerated variant set. grpc-go's own
// connectivity.State already has exactly these five values under the
// same names, so it is reused directly rather than re-declared —
// Idle/Connecting/Ready/TransientFailure/Shutdown below are aliases for
// readability at call sites in this package.
type ChannelState = connectivity.State

const (
	StateIdle             = connectivity.Idle
	StateConnecting       = connectivity.Connecting
	StateReady            = connectivity.Ready
	StateTransientFailure = connectivity.TransientFailure
	StateShutdown         = connectivity.Shutdown
)

// isNonRecoverable reports whether state is one of the two states spec
// §3/§4.4 calls "non-recoverable" for reconnect-decision purposes.
func isNonRecoverable(state ChannelState) bool {
	return state == StateIdle || state == StateShutdown
}

// FailureKind enumerates the tagged Connection Failure kinds of spec §3.
type FailureKind int

const (
	FailureCallDeadlineExceeded FailureKind = iota
	FailureReconnectionTimeout
	FailureAttachmentTimeout
	FailureRemotePipTimeout
	FailureUnrecoverable
)

func (k FailureKind) String() string {
	switch k {
	case FailureCallDeadlineExceeded:
		return "CallDeadlineExceeded"
	case FailureReconnectionTimeout:
		return "ReconnectionTimeout"
	case FailureAttachmentTimeout:
		return "AttachmentTimeout"
	case FailureRemotePipTimeout:
		return "RemotePipTimeout"
	case FailureUnrecoverable:
		return "UnrecoverableFailure"
	default:
		return "Unknown"
	}
}

// Failure is the tagged Connection Failure record of spec §3, emitted
// at most once per Manager.
type Failure struct {
	Kind    FailureKind
	Details string
}

// CallState is the outcome state of a Call Result (spec §3).
type CallState int

const (
	CallSucceeded CallState = iota
	CallFailed
	CallCancelled
)

func (s CallState) String() string {
	switch s {
	case CallSucceeded:
		return "Succeeded"
	case CallFailed:
		return "Failed"
	case CallCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Result is the Call Result record of spec §3. Attempts is always >= 1
// on any returned Result (spec §8 invariant 1).
type Result struct {
	State                     CallState
	Attempts                  int
	CallDuration              time.Duration
	WaitForConnectionDuration time.Duration
	LastFailure               *Failure
}
