package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/metrics"
)

// Source fetches raw metadata and state payloads for a simulation.
type Source interface {
	FetchInfo(ctx context.Context, simulationID string) ([]byte, error)
	FetchState(ctx context.Context, simulationID string) ([]byte, error)
}

// Poller re-fetches snapshots on a fixed interval and feeds them through the
// same Dispatcher handlers as pushed frames. A fetch that completes after a
// switch-over is dropped by the dispatcher with ErrUntracked.
type Poller struct {
	source     Source
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewPoller creates a Poller. interval must be positive.
func NewPoller(source Source, d *Dispatcher, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = d.metrics
	}
	return &Poller{
		source:     source,
		dispatcher: d,
		interval:   interval,
		logger:     logger,
		metrics:    m,
	}
}

// Run polls immediately and then every interval until ctx is done. current
// is consulted on every tick; an empty id skips the tick.
func (p *Poller) Run(ctx context.Context, current func() string) {
	p.logger.Info("poller starting", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if id := current(); id != "" {
			_ = p.PollOnce(ctx, id)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce fetches info and state for simulationID and dispatches them. A
// fetch failure leaves the previous snapshot untouched. The first error is
// returned.
func (p *Poller) PollOnce(ctx context.Context, simulationID string) error {
	var first error

	if body, err := p.source.FetchInfo(ctx, simulationID); err != nil {
		p.fetchFailed("info", simulationID, err)
		first = err
	} else if err := p.dispatcher.HandleInfo(simulationID, body); err != nil {
		first = err
	}

	if body, err := p.source.FetchState(ctx, simulationID); err != nil {
		p.fetchFailed("state", simulationID, err)
		if first == nil {
			first = err
		}
	} else if err := p.dispatcher.HandleState(simulationID, body); err != nil && first == nil {
		first = err
	}

	return first
}

func (p *Poller) fetchFailed(kind, simulationID string, err error) {
	p.metrics.PollErrors.Inc()
	p.logger.Warn("poll failed",
		zap.String("kind", kind),
		zap.String("simulationId", simulationID),
		zap.Error(err),
	)
}
