package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/simsync/internal/model"
	"github.com/dgnsrekt/simsync/internal/schedule"
)

// Wire layout for blockage instants: naive local date-time.
const timeLayout = "2006-01-02T15:04:05"

// Client interface for testability
type Client interface {
	CreateBlockages(ctx context.Context, records []schedule.Record) (*BulkResult, error)
	FetchInfo(ctx context.Context, simulationID string) ([]byte, error)
	FetchState(ctx context.Context, simulationID string) ([]byte, error)
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// BlockageRequest is one entry of the bulk-creation payload.
type BlockageRequest struct {
	StartTime string        `json:"startTime"`
	EndTime   string        `json:"endTime"`
	Lines     []model.Point `json:"lines"`
}

// BulkResult is the bulk-creation response.
type BulkResult struct {
	Created int      `json:"created"`
	IDs     []string `json:"ids,omitempty"`
}

func NewClient(baseURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}
	if ratePerSec < 1 {
		ratePerSec = 1
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// NewBlockageRequests converts decoded records to the wire payload.
func NewBlockageRequests(records []schedule.Record) []BlockageRequest {
	out := make([]BlockageRequest, len(records))
	for i, r := range records {
		out[i] = BlockageRequest{
			StartTime: r.Start.Format(timeLayout),
			EndTime:   r.End.Format(timeLayout),
			Lines:     r.Polyline,
		}
	}
	return out
}

// CreateBlockages submits records in a single bulk request. Only 429
// responses are retried, since the endpoint is not idempotent.
func (c *HTTPClient) CreateBlockages(ctx context.Context, records []schedule.Record) (*BulkResult, error) {
	payload, err := json.Marshal(NewBlockageRequests(records))
	if err != nil {
		return nil, fmt.Errorf("encoding blockages: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/blockages/bulk", payload, false)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Created: len(records)}
	if len(bytes.TrimSpace(body)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

// FetchInfo returns the raw metadata document for a simulation.
func (c *HTTPClient) FetchInfo(ctx context.Context, simulationID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/simulations/"+url.PathEscape(simulationID), nil, true)
}

// FetchState returns the raw state document for a simulation.
func (c *HTTPClient) FetchState(ctx context.Context, simulationID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/simulations/"+url.PathEscape(simulationID)+"/state", nil, true)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte, idempotent bool) ([]byte, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", target))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !idempotent {
				return nil, fmt.Errorf("executing request: %w", err)
			}
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			if !idempotent {
				return nil, fmt.Errorf("reading response: %w", readErr)
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrAuthFailed
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			if !idempotent {
				return nil, lastErr
			}
			continue
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(body))
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
