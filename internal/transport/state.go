package transport

// State is the connection lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
