package server

import (
	"time"

	"github.com/dgnsrekt/simsync/internal/model"
	"github.com/dgnsrekt/simsync/internal/transport"
)

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status     string          `json:"status"`
	Connection transport.State `json:"connection"`
}

// ConnectionResponse describes the broker link and the observed simulation.
type ConnectionResponse struct {
	State        transport.State `json:"state"`
	Connected    bool            `json:"connected"`
	SimulationID string          `json:"simulationId,omitempty"`
	Live         bool            `json:"live"`
}

// SimulationResponse is the cached view of the observed simulation.
type SimulationResponse struct {
	SimulationID string                 `json:"simulationId"`
	Live         bool                   `json:"live"`
	Info         *model.SimulationInfo  `json:"info"`
	State        *model.SimulationState `json:"state"`
}

// Snapshot is the first event every stream subscriber receives.
type Snapshot struct {
	Connection ConnectionResponse  `json:"connection"`
	Simulation *SimulationResponse `json:"simulation,omitempty"`
	Available  model.SimulationMap `json:"available"`
	Timestamp  int64               `json:"timestamp"`
}

// ConnectionEvent is streamed on every transport state change.
type ConnectionEvent struct {
	State transport.State `json:"state"`
	At    time.Time       `json:"at"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
