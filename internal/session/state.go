package session

// State is the session lifecycle state. Transitions are serialized by the
// session's event loop plus the Start/Stop lifecycle lock.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota

	// StateConnecting means devices are open and the transport handshake is
	// in flight.
	StateConnecting

	// StateListening means the session is live and no agent audio is
	// pending.
	StateListening

	// StateSpeaking means agent audio is scheduled or playing.
	StateSpeaking

	// StateError means the session failed and was torn down. Start recovers
	// to a fresh session.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
