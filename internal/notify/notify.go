// Package notify posts blockage import outcomes to an ntfy topic.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier reports the outcome of one file import.
type Notifier interface {
	SendSuccess(ctx context.Context, summary *ImportSummary, duration time.Duration) error
	SendFailure(ctx context.Context, summary *ImportSummary, duration time.Duration, err error) error
}

const (
	tagSuccess = "white_check_mark"
	tagFailure = "x"

	failurePriority = "high"
)

// message is one ntfy publish.
type message struct {
	title    string
	body     string
	tags     string
	priority string
}

// Client publishes to a single ntfy topic.
type Client struct {
	httpClient *http.Client
	endpoint   string
	cfg        *Config
	logger     *zap.Logger
}

func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimSuffix(cfg.Server, "/") + "/" + cfg.Topic,
		cfg:        cfg,
		logger:     logger,
	}
}

func (c *Client) SendSuccess(ctx context.Context, summary *ImportSummary, duration time.Duration) error {
	return c.publish(ctx, message{
		title:    "Blockages Imported: " + summary.File,
		body:     FormatSuccessMessage(summary, duration),
		tags:     c.tags(tagSuccess),
		priority: c.cfg.Priority,
	})
}

// SendFailure always publishes at high priority, whatever the configured one.
func (c *Client) SendFailure(ctx context.Context, summary *ImportSummary, duration time.Duration, err error) error {
	return c.publish(ctx, message{
		title:    "Blockage Import Failed: " + summary.File,
		body:     FormatFailureMessage(summary, duration, err),
		tags:     c.tags(tagFailure),
		priority: failurePriority,
	})
}

func (c *Client) tags(outcome string) string {
	if c.cfg.Tags == "" {
		return outcome
	}
	return c.cfg.Tags + "," + outcome
}

func (c *Client) publish(ctx context.Context, m message) error {
	if !c.cfg.Enabled {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(m.body))
	if err != nil {
		return fmt.Errorf("building ntfy request: %w", err)
	}
	req.Header.Set("Title", m.title)
	req.Header.Set("Tags", m.tags)
	if m.priority != "" {
		req.Header.Set("Priority", m.priority)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", c.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		c.logger.Warn("ntfy rejected notification",
			zap.String("topic", c.cfg.Topic),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("topic", c.cfg.Topic), zap.String("title", m.title))
	return nil
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) SendSuccess(context.Context, *ImportSummary, time.Duration) error {
	return nil
}

func (NoopNotifier) SendFailure(context.Context, *ImportSummary, time.Duration, error) error {
	return nil
}

// New returns a Client, or a NoopNotifier when notifications are disabled.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if cfg == nil || !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
