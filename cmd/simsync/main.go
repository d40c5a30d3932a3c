// Command simsync mirrors live simulation state from the broker and manages
// month-anchored blockage files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/simsync/internal/config"
)

// Set by the root command before any subcommand runs.
var (
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)

	root := &cobra.Command{
		Use:          "simsync",
		Short:        "Live simulation sync and blockage schedule tooling",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch cmd.Name() {
			case "help", "completion":
				logger, err = newLogger(verbose, nil)
				return err
			}

			if cfg, err = config.Load(cfgFile); err != nil {
				return err
			}
			logger, err = newLogger(verbose, &cfg.Logging)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("SIMSYNC_CONFIG"), "config file (env SIMSYNC_CONFIG)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging at debug level")

	root.AddCommand(watchCmd(), blockagesCmd())
	return root
}

// newLogger builds the process logger. verbose overrides the configured
// level; lc may be nil before config is loaded.
func newLogger(verbose bool, lc *config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.DisableStacktrace = true
	if verbose {
		zc = zap.NewDevelopmentConfig()
	}
	if lc == nil {
		return zc.Build()
	}

	if !verbose && lc.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lc.Level)); err == nil {
			zc.Level = zap.NewAtomicLevelAt(level)
		}
	}

	if lc.Enabled {
		if err := os.MkdirAll(lc.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", lc.Directory, err)
		}
		name := "simsync_" + time.Now().Format("2006-01-02_15-04-05") + ".log"
		zc.OutputPaths = append(zc.OutputPaths, filepath.Join(lc.Directory, name))
	}

	return zc.Build()
}
