package client

// State represents the current state of the transport's connection machine.
type State int

const (
	// StateIdle means no listeners are registered and nothing is connected.
	StateIdle State = iota

	// StateConnecting means a dial attempt is in flight.
	StateConnecting

	// StateOpen means the connection is established and ready.
	StateOpen

	// StateReconnecting means a retry is scheduled after a failure.
	StateReconnecting

	// StateFailed means retry attempts are exhausted. Terminal until an
	// explicit Connect call resets the attempt counter.
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange describes one transition, delivered to the OnStateChange hook.
type StateChange struct {
	Old State
	New State
	Err error // cause of the transition, when failure-driven
}
