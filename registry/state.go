package registry

// State is the connection lifecycle state.
type State int32

// Lifecycle states. Transitions only move forward: Connecting to
// Active to Draining to Closed, with failed handshakes jumping from
// Connecting straight to Closed.
const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
