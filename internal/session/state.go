package session

// State is the lifecycle of one connection attempt. Transitions only move
// forward: Idle, Connecting, Connected, Disconnected.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is allowed. Connecting
// may skip straight to Disconnected on failure.
func (s State) CanTransition(next State) bool {
	return next > s && s != Disconnected
}
