// Package registry enforces at most one observed simulation at a time and
// owns the lifetime of its two topic handles.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/metrics"
	"github.com/dgnsrekt/simsync/internal/transport"
)

// Transport is the part of transport.Client the registry drives.
type Transport interface {
	Subscribe(destination string, handler transport.Handler) (transport.Subscription, error)
	Send(destination string, body []byte) error
	Connected() bool
	OnConnect(fn func())
	OnDisconnect(fn func(error))
	Deactivate()
}

// Sink receives raw payloads. dispatch.Dispatcher implements it. Track and
// Clear bracket the simulation whose payloads the sink accepts.
type Sink interface {
	HandleInfo(simulationID string, body []byte) error
	HandleState(simulationID string, body []byte) error
	HandleAvailable(body []byte) error
	Track(simulationID string)
	Clear()
}

// Record is the currently observed simulation. Info and State are nil while
// the simulation is remembered but not live (after a drop).
type Record struct {
	SimulationID string
	Info         transport.Subscription
	State        transport.Subscription
}

// Live reports whether both topic handles are held.
func (r Record) Live() bool {
	return r.Info != nil && r.State != nil
}

// Registry tracks the observed simulation across reconnects.
type Registry struct {
	transport Transport
	sink      Sink
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	current   Record
	available transport.Subscription

	// generation is bumped on every switch-over so handlers bound to an
	// older simulation drop their frames.
	generation atomic.Uint64
}

// New creates a Registry and hooks it into the transport's connect and
// disconnect notifications.
func New(t Transport, sink Sink, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	r := &Registry{
		transport: t,
		sink:      sink,
		logger:    logger,
		metrics:   m,
	}
	t.OnConnect(r.HandleConnect)
	t.OnDisconnect(r.HandleDisconnect)
	return r
}

// Subscribe starts observing simulationID. Subscribing to the current live
// simulation is a no-op; subscribing to another one unsubscribes the current
// one first. It fails with transport.ErrNotConnected while disconnected.
func (r *Registry) Subscribe(simulationID string) error {
	if simulationID == "" {
		return ErrEmptySimulationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.SimulationID == simulationID && r.current.Live() {
		return nil
	}
	if r.current.SimulationID != "" && r.current.SimulationID != simulationID {
		if err := r.unsubscribeLocked(); err != nil {
			r.logger.Warn("unsubscribe during switch-over failed", zap.Error(err))
		}
	}
	if r.current.Info != nil || r.current.State != nil {
		return fmt.Errorf("%w: handles for %s still live", ErrSubscriptionConflict, r.current.SimulationID)
	}
	if !r.transport.Connected() {
		return fmt.Errorf("subscribe %s: %w", simulationID, transport.ErrNotConnected)
	}
	return r.subscribeLocked(simulationID)
}

// Unsubscribe stops observing the current simulation and clears its cached
// snapshots. It is a no-op when nothing is subscribed.
func (r *Registry) Unsubscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked()
}

// Current returns the observed simulation record.
func (r *Registry) Current() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SimulationID returns the observed simulation id, or "".
func (r *Registry) SimulationID() string {
	return r.Current().SimulationID
}

// RequestRefresh asks the backend to rebroadcast the available simulations.
func (r *Registry) RequestRefresh() error {
	if err := r.transport.Send(RefreshDestination, nil); err != nil {
		return fmt.Errorf("request refresh: %w", err)
	}
	return nil
}

// HandleConnect restores the remembered simulation after a (re)connect and
// subscribes to the available-simulations broadcast. Handles that are
// already live are left alone, so repeated calls subscribe at most once.
func (r *Registry) HandleConnect() {
	r.mu.Lock()
	if r.available == nil {
		sub, err := r.transport.Subscribe(SimulationsTopic, func(m transport.Message) {
			_ = r.sink.HandleAvailable(m.Body)
		})
		if err != nil {
			r.logger.Warn("subscribe to simulations broadcast failed", zap.Error(err))
		} else {
			r.available = sub
		}
	}

	if id := r.current.SimulationID; id != "" && r.current.Info == nil && r.current.State == nil {
		if err := r.subscribeLocked(id); err != nil {
			r.logger.Warn("resubscribe after reconnect failed",
				zap.String("simulationId", id),
				zap.Error(err),
			)
		} else {
			r.logger.Info("resubscribed after reconnect", zap.String("simulationId", id))
		}
	}
	r.mu.Unlock()

	if err := r.RequestRefresh(); err != nil {
		r.logger.Debug("refresh request failed", zap.Error(err))
	}
}

// HandleDisconnect forgets handles killed by a dropped connection. The
// simulation id is kept so HandleConnect can restore it.
func (r *Registry) HandleDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation.Add(1)
	r.current.Info = nil
	r.current.State = nil
	r.available = nil

	if r.current.SimulationID != "" {
		r.logger.Info("subscription suspended",
			zap.String("simulationId", r.current.SimulationID),
			zap.Error(err),
		)
	}
}

// Close unsubscribes everything and deactivates the transport.
func (r *Registry) Close() error {
	r.mu.Lock()
	err := r.unsubscribeLocked()
	if r.available != nil {
		err = errors.Join(err, r.available.Unsubscribe())
		r.available = nil
	}
	r.mu.Unlock()

	r.transport.Deactivate()
	return err
}

func (r *Registry) subscribeLocked(simulationID string) error {
	gen := r.generation.Add(1)
	r.sink.Track(simulationID)

	info, err := r.transport.Subscribe(InfoTopic(simulationID), r.guard(gen, func(m transport.Message) {
		_ = r.sink.HandleInfo(simulationID, m.Body)
	}))
	if err != nil {
		return subscribeError(simulationID, err)
	}

	state, err := r.transport.Subscribe(StateTopic(simulationID), r.guard(gen, func(m transport.Message) {
		_ = r.sink.HandleState(simulationID, m.Body)
	}))
	if err != nil {
		_ = info.Unsubscribe()
		return subscribeError(simulationID, err)
	}

	r.current = Record{SimulationID: simulationID, Info: info, State: state}
	r.logger.Info("subscribed to simulation", zap.String("simulationId", simulationID))
	return nil
}

func (r *Registry) unsubscribeLocked() error {
	if r.current.SimulationID == "" {
		return nil
	}
	r.generation.Add(1)

	var errs []error
	if r.current.Info != nil {
		errs = append(errs, r.current.Info.Unsubscribe())
	}
	if r.current.State != nil {
		errs = append(errs, r.current.State.Unsubscribe())
	}

	r.logger.Info("unsubscribed from simulation", zap.String("simulationId", r.current.SimulationID))
	r.current = Record{}
	r.sink.Clear()
	return errors.Join(errs...)
}

// guard drops frames delivered to a handler from an older generation. A frame
// that passes the check just before a switch-over is still refused by the
// sink, which stopped tracking the old id in Clear.
func (r *Registry) guard(gen uint64, h transport.Handler) transport.Handler {
	return func(m transport.Message) {
		if r.generation.Load() != gen {
			r.metrics.FramesDropped.WithLabelValues("stale_generation").Inc()
			return
		}
		h(m)
	}
}

func subscribeError(simulationID string, err error) error {
	if errors.Is(err, transport.ErrAlreadySubscribed) {
		return fmt.Errorf("%w: %s: %w", ErrSubscriptionConflict, simulationID, err)
	}
	return fmt.Errorf("subscribe %s: %w", simulationID, err)
}
