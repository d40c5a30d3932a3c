package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/api"
	"github.com/dgnsrekt/simsync/internal/config"
	"github.com/dgnsrekt/simsync/internal/importer"
	"github.com/dgnsrekt/simsync/internal/notify"
	"github.com/dgnsrekt/simsync/internal/schedule"
	"github.com/dgnsrekt/simsync/internal/transport"
)

// transportConfig maps the broker section onto the transport client config.
func transportConfig(b config.BrokerConfig) transport.Config {
	return transport.Config{
		URL:               b.URL,
		Host:              b.Host,
		Login:             b.Login,
		Passcode:          b.Passcode,
		ReconnectDelay:    b.ReconnectDelay,
		HeartbeatOutgoing: b.HeartbeatOutgoing,
		HeartbeatIncoming: b.HeartbeatIncoming,
		HeartbeatTimeout:  b.HeartbeatTimeout,
		ConnectTimeout:    b.ConnectTimeout,
		WriteTimeout:      b.WriteTimeout,
		SendBufferSize:    b.SendBufferSize,
	}
}

func newAPIClient(a config.APIConfig, logger *zap.Logger) *api.HTTPClient {
	return api.NewClient(
		a.BaseURL,
		a.RatePerSecond,
		time.Duration(a.TimeoutSec)*time.Second,
		time.Duration(a.RetryDelay)*time.Second,
		a.RetryCount,
		logger,
	)
}

func notifyConfig(n config.NotifyConfig) *notify.Config {
	return &notify.Config{
		Enabled:  n.Enabled,
		Server:   n.Server,
		Topic:    n.Topic,
		Priority: n.Priority,
		Tags:     n.Tags,
		Token:    n.Token,
	}
}

// resolveAnchor parses an explicit YYYY-MM flag, falling back to the
// YYYYMM prefix of the file name.
func resolveAnchor(flag, path string) (schedule.Anchor, error) {
	if flag == "" {
		if path == "" {
			return schedule.Anchor{}, fmt.Errorf("%w: --anchor is required", schedule.ErrInvalidAnchor)
		}
		return importer.AnchorFromFilename(path)
	}
	t, err := time.Parse("2006-01", flag)
	if err != nil {
		return schedule.Anchor{}, fmt.Errorf("%w: %q (use YYYY-MM)", schedule.ErrInvalidAnchor, flag)
	}
	return schedule.NewAnchor(t.Year(), int(t.Month()))
}
