package model

import "time"

// EventKind tells what an [Event] is about.
type EventKind int

const (
	// EventStateChange is emitted on each state machine transition.
	EventStateChange EventKind = iota

	// EventByteCount is emitted periodically while established.
	EventByteCount

	// EventError is emitted for recoverable errors.
	EventError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state"
	case EventByteCount:
		return "bytecount"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification for the embedding application.
type Event struct {
	Kind  EventKind
	State State
	Time  time.Time

	// Err is the error that caused a transition, if any.
	Err error

	// Stats is a snapshot of the counters.
	Stats Stats

	// Endpoint is the remote address of the current session, if any.
	Endpoint string

	// TunnelInfo is set once the tunnel has been established.
	TunnelInfo *TunnelInfo
}

// Stats holds the tunnel counters. Byte and packet counters only account
// for tunnel payloads, not for protocol overhead.
type Stats struct {
	BytesIn    int64
	BytesOut   int64
	PacketsIn  int64
	PacketsOut int64

	// AuthFailures counts data packets that failed authentication.
	AuthFailures int64

	// ReplayDrops counts data packets dropped as replayed or too old.
	ReplayDrops int64

	// InvalidDrops counts decrypted payloads that were not IP packets.
	InvalidDrops int64

	Reconnections  int64
	Renegotiations int64
}

// Status is a point-in-time view of the tunnel.
type Status struct {
	State      State
	Err        error
	Endpoint   string
	TunnelInfo *TunnelInfo
}
