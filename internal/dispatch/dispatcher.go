// Package dispatch decodes inbound simulation payloads into typed snapshots
// and keeps the last good one per slot.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/eventbus"
	"github.com/dgnsrekt/simsync/internal/metrics"
	"github.com/dgnsrekt/simsync/internal/model"
)

// Kind identifies the snapshot slot an Event refers to.
type Kind string

const (
	KindInfo      Kind = "info"
	KindState     Kind = "state"
	KindAvailable Kind = "available"
	KindCleared   Kind = "cleared"
)

// Event is published for every accepted snapshot. Payload fields are copies.
type Event struct {
	Kind         Kind                   `json:"kind"`
	SimulationID string                 `json:"simulationId,omitempty"`
	Info         *model.SimulationInfo  `json:"info,omitempty"`
	State        *model.SimulationState `json:"state,omitempty"`
	Available    model.SimulationMap    `json:"available,omitempty"`
	At           time.Time              `json:"at"`
}

// Dispatcher routes decoded payloads into snapshot slots. A payload that
// fails to decode is dropped and the previous snapshot stays in place.
//
// Info and state payloads are only accepted for the tracked simulation. The
// check, the store and the event publish happen under one lock, so nothing
// for a simulation lands after the Clear that ended it.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	events  *eventbus.Bus[Event]

	mu        sync.RWMutex
	tracked   string
	info      map[string]model.SimulationInfo
	state     map[string]model.SimulationState
	available model.SimulationMap
}

// New creates an empty Dispatcher.
func New(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		events:  eventbus.New[Event](),
		info:    make(map[string]model.SimulationInfo),
		state:   make(map[string]model.SimulationState),
	}
}

// HandleInfo decodes a metadata payload for simulationID and replaces the
// stored snapshot.
func (d *Dispatcher) HandleInfo(simulationID string, body []byte) error {
	var info model.SimulationInfo
	if err := decodeObject(body, &info); err != nil {
		return d.reject(KindInfo, simulationID, err)
	}
	if info.ID == "" {
		return d.reject(KindInfo, simulationID, fmt.Errorf("missing id"))
	}
	if info.ID != simulationID {
		return d.reject(KindInfo, simulationID, fmt.Errorf("id %q does not match topic", info.ID))
	}
	if !info.Status.Valid() {
		return d.reject(KindInfo, simulationID, fmt.Errorf("unknown status %q", info.Status))
	}

	return d.commit(Event{Kind: KindInfo, SimulationID: simulationID, Info: &info}, func() {
		d.info[simulationID] = info
	})
}

// HandleState decodes a full state payload for simulationID. The previous
// state is replaced wholesale.
func (d *Dispatcher) HandleState(simulationID string, body []byte) error {
	var st model.SimulationState
	if err := decodeObject(body, &st); err != nil {
		return d.reject(KindState, simulationID, err)
	}
	if st.SimulationTime == "" {
		return d.reject(KindState, simulationID, fmt.Errorf("missing simulationTime"))
	}

	cp := st.Clone()
	return d.commit(Event{Kind: KindState, SimulationID: simulationID, State: &cp}, func() {
		d.state[simulationID] = st
	})
}

// HandleAvailable decodes the id → metadata broadcast and replaces the map.
// Entries without an id take their key.
func (d *Dispatcher) HandleAvailable(body []byte) error {
	var sims model.SimulationMap
	if err := decodeObject(body, &sims); err != nil {
		return d.reject(KindAvailable, "", err)
	}
	for id, info := range sims {
		if info.ID == "" {
			info.ID = id
			sims[id] = info
		}
		if !info.Status.Valid() {
			return d.reject(KindAvailable, "", fmt.Errorf("simulation %s: unknown status %q", id, info.Status))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.available = sims
	d.accept(Event{Kind: KindAvailable, Available: sims.Clone()})
	return nil
}

// Track makes simulationID the one simulation whose info and state payloads
// are accepted. Tracking the current id again keeps its snapshots.
func (d *Dispatcher) Track(simulationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = simulationID
}

// Tracked returns the tracked simulation id, or "".
func (d *Dispatcher) Tracked() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tracked
}

// Clear drops every per-simulation snapshot and stops tracking. The
// available map is kept.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = ""
	d.info = make(map[string]model.SimulationInfo)
	d.state = make(map[string]model.SimulationState)
	d.events.Publish(Event{Kind: KindCleared, At: time.Now()})
}

// Info returns the last metadata snapshot for simulationID.
func (d *Dispatcher) Info(simulationID string) (model.SimulationInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.info[simulationID]
	return info, ok
}

// State returns a copy of the last state snapshot for simulationID.
func (d *Dispatcher) State(simulationID string) (model.SimulationState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.state[simulationID]
	if !ok {
		return model.SimulationState{}, false
	}
	return st.Clone(), true
}

// Available returns a copy of the last available-simulations map.
func (d *Dispatcher) Available() model.SimulationMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available.Clone()
}

// Subscribe registers for snapshot events. Slow subscribers miss events
// rather than stall the stream.
func (d *Dispatcher) Subscribe() (<-chan Event, func()) {
	return d.events.Subscribe()
}

// Close closes every event subscription.
func (d *Dispatcher) Close() {
	d.events.Close()
}

// commit stores and publishes e if it belongs to the tracked simulation.
func (d *Dispatcher) commit(e Event, store func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.SimulationID == "" || e.SimulationID != d.tracked {
		d.metrics.FramesDropped.WithLabelValues("untracked_simulation").Inc()
		d.logger.Debug("dropping payload for untracked simulation",
			zap.String("kind", string(e.Kind)),
			zap.String("simulationId", e.SimulationID),
			zap.String("tracked", d.tracked),
		)
		return fmt.Errorf("%w: %s for %s", ErrUntracked, e.Kind, e.SimulationID)
	}
	store()
	d.accept(e)
	return nil
}

// accept must be called with d.mu held.
func (d *Dispatcher) accept(e Event) {
	e.At = time.Now()
	d.metrics.SnapshotsApplied.WithLabelValues(string(e.Kind)).Inc()
	d.events.Publish(e)
}

func (d *Dispatcher) reject(kind Kind, simulationID string, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrDecode, kind, cause)
	d.metrics.DecodeErrors.WithLabelValues(string(kind)).Inc()
	d.logger.Warn("dropping undecodable payload",
		zap.String("kind", string(kind)),
		zap.String("simulationId", simulationID),
		zap.Error(cause),
	)
	return err
}

// decodeObject requires body to be a single JSON object.
func decodeObject(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}
