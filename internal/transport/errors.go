package transport

import "errors"

var (
	// ErrNotConnected is returned by Send and Subscribe outside the CONNECTED
	// state. It is transient: callers retry once the client reconnects.
	ErrNotConnected = errors.New("transport not connected")

	ErrAlreadySubscribed = errors.New("destination already subscribed")
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrBrokerError       = errors.New("broker error frame")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
)
