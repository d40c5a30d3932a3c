package registry

import "errors"

var (
	// ErrSubscriptionConflict means the transport already holds a handle the
	// registry did not expect. It indicates a switch-over bug, not a
	// transient condition.
	ErrSubscriptionConflict = errors.New("registry: subscription conflict")

	ErrEmptySimulationID = errors.New("registry: empty simulation id")
)
