package model

// State is a state of the tunnel state machine.
type State int

const (
	// StateIdle is the state before any connect request.
	StateIdle State = iota

	// StateConnecting means we are opening the transport.
	StateConnecting

	// StateHandshaking means the transport is open and we are negotiating keys.
	StateHandshaking

	// StateEstablished means the data channel is carrying tunnel packets.
	StateEstablished

	// StateReconnecting means we lost the session and are about to reopen it.
	StateReconnecting

	// StatePaused means the transport is released until resumed.
	StatePaused

	// StateDisconnecting means we are tearing everything down.
	StateDisconnecting

	// StateTerminated is the final state.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateReconnecting:
		return "reconnecting"
	case StatePaused:
		return "paused"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsActive returns whether a session may exist in this state.
func (s State) IsActive() bool {
	switch s {
	case StateConnecting, StateHandshaking, StateEstablished, StateReconnecting:
		return true
	default:
		return false
	}
}
