package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/model"
	"github.com/dgnsrekt/simsync/internal/registry"
	"github.com/dgnsrekt/simsync/internal/transport"
)

// Registry is the part of registry.Registry the API drives.
type Registry interface {
	Subscribe(simulationID string) error
	Unsubscribe() error
	Current() registry.Record
	RequestRefresh() error
}

// Snapshots is the read side of dispatch.Dispatcher.
type Snapshots interface {
	Info(simulationID string) (model.SimulationInfo, bool)
	State(simulationID string) (model.SimulationState, bool)
	Available() model.SimulationMap
}

// Connection reports the transport state.
type Connection interface {
	State() transport.State
}

type Server struct {
	registry  Registry
	snapshots Snapshots
	conn      Connection
	stream    *Broadcaster
	logger    *zap.Logger
}

// NewServer wires the API to the sync layer. keepalive is the stream's
// comment interval; zero disables it.
func NewServer(reg Registry, snapshots Snapshots, conn Connection, keepalive time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		registry:  reg,
		snapshots: snapshots,
		conn:      conn,
		logger:    logger,
	}
	s.stream = NewBroadcaster(s.snapshot, keepalive, logger)
	return s
}

// Stream returns the broadcaster feeding /api/stream.
func (s *Server) Stream() *Broadcaster {
	return s.stream
}

func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Connection: s.conn.State()})
}

func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connection())
}

func (s *Server) ListSimulations(w http.ResponseWriter, r *http.Request) {
	available := s.snapshots.Available()
	if available == nil {
		available = model.SimulationMap{}
	}
	writeJSON(w, http.StatusOK, available)
}

func (s *Server) RefreshSimulations(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RequestRefresh(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) GetSimulation(w http.ResponseWriter, r *http.Request) {
	sim := s.simulation()
	if sim == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no simulation subscribed"})
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (s *Server) SubscribeSimulation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.logger.Debug("subscribe request", zap.String("simulationId", id))

	if err := s.registry.Subscribe(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.simulation())
}

func (s *Server) UnsubscribeSimulation(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unsubscribe(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connection() ConnectionResponse {
	state := s.conn.State()
	current := s.registry.Current()
	return ConnectionResponse{
		State:        state,
		Connected:    state == transport.StateConnected,
		SimulationID: current.SimulationID,
		Live:         current.Live(),
	}
}

func (s *Server) simulation() *SimulationResponse {
	current := s.registry.Current()
	if current.SimulationID == "" {
		return nil
	}
	resp := &SimulationResponse{SimulationID: current.SimulationID, Live: current.Live()}
	if info, ok := s.snapshots.Info(current.SimulationID); ok {
		resp.Info = &info
	}
	if state, ok := s.snapshots.State(current.SimulationID); ok {
		resp.State = &state
	}
	return resp
}

func (s *Server) snapshot() *Snapshot {
	available := s.snapshots.Available()
	if available == nil {
		available = model.SimulationMap{}
	}
	return &Snapshot{
		Connection: s.connection(),
		Simulation: s.simulation(),
		Available:  available,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrSubscriptionConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrEmptySimulationID):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
