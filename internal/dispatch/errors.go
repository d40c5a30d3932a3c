package dispatch

import "errors"

var (
	// ErrDecode wraps every payload rejected by the dispatcher.
	ErrDecode = errors.New("dispatch: decode failed")

	// ErrUntracked means the payload is for a simulation that is no longer
	// (or not yet) tracked. The payload is dropped.
	ErrUntracked = errors.New("dispatch: simulation not tracked")
)
