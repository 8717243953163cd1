package gateway

// State is the session lifecycle phase. Exactly one state is active at a
// time; transitions happen only on the edges the client defines.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshaking
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the human-readable status the surrounding UI renders.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting…"
	case StateAwaitingChallenge, StateHandshaking:
		return "Authenticating…"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting…"
	case StateFailed:
		return "Connection Failed"
	default:
		return "Unknown"
	}
}
