package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/dispatch"
	"github.com/dgnsrekt/simsync/internal/metrics"
	"github.com/dgnsrekt/simsync/internal/registry"
	"github.com/dgnsrekt/simsync/internal/server"
	"github.com/dgnsrekt/simsync/internal/transport"
)

func watchCmd() *cobra.Command {
	var (
		simulationID string
		noServer     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the broker and mirror live simulation state",
		Long: `Connect to the simulation broker over STOMP/websocket, track the list of
available simulations and, optionally, follow one simulation's metadata and
state. The mirrored state is served over a local HTTP API.

Examples:
  # Track available simulations and serve the local API
  simsync watch

  # Follow a simulation from the first connect
  simsync watch --simulation 6f1c2b1e

  # Broker only, no local API
  simsync watch --no-server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), simulationID, !noServer && cfg.Server.Enabled)
		},
	}

	cmd.Flags().StringVarP(&simulationID, "simulation", "s", "", "simulation id to follow once connected")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the local HTTP API")

	return cmd
}

func runWatch(ctx context.Context, simulationID string, serve bool) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	client := transport.NewClient(transportConfig(cfg.Broker), logger.Named("transport"), m)
	d := dispatch.New(logger.Named("dispatch"), m)
	defer d.Close()

	reg := registry.New(client, d, logger.Named("registry"), m)
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing registry", zap.Error(err))
		}
	}()

	// Follow the requested simulation on the first connect only; afterwards
	// the registry restores whatever is current.
	if simulationID != "" {
		var once sync.Once
		client.OnConnect(func() {
			once.Do(func() {
				if err := reg.Subscribe(simulationID); err != nil {
					logger.Warn("initial subscribe failed",
						zap.String("simulationId", simulationID),
						zap.Error(err),
					)
				}
			})
		})
	}

	if cfg.Polling.Enabled {
		poller := dispatch.NewPoller(newAPIClient(cfg.API, logger.Named("api")), d, cfg.Polling.Interval, logger.Named("poller"), m)
		go poller.Run(ctx, reg.SimulationID)
	}

	var httpServer *http.Server
	if serve {
		srv := server.NewServer(reg, d, client, cfg.Server.StreamKeepalive, logger.Named("server"))
		client.OnStateChange(srv.Stream().PublishConnection)

		events, unsubscribe := d.Subscribe()
		defer unsubscribe()
		go srv.Stream().Run(ctx, events)

		httpServer = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.NewRouter(srv, promReg, logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
			// Stream requests end with the process.
			BaseContext: func(net.Listener) context.Context { return ctx },
		}

		go func() {
			logger.Info("starting HTTP server", zap.String("addr", cfg.Server.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", zap.Error(err))
			}
		}()
	}

	logger.Info("connecting to broker", zap.String("url", cfg.Broker.URL))
	// The session outlives the signal so reg.Close can unsubscribe and
	// disconnect; Deactivate ends it.
	client.Activate(context.WithoutCancel(ctx))

	<-ctx.Done()
	logger.Info("shutting down")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}

	return nil
}
