package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/dispatch"
	"github.com/dgnsrekt/simsync/internal/model"
	"github.com/dgnsrekt/simsync/internal/schedule"
)

var _ dispatch.Source = (*HTTPClient)(nil)

func testRecords() []schedule.Record {
	return []schedule.Record{{
		Start:    time.Date(2025, time.January, 1, 0, 31, 0, 0, time.UTC),
		End:      time.Date(2025, time.January, 1, 21, 35, 0, 0, time.UTC),
		Polyline: []model.Point{{X: 15, Y: 10}, {X: 30, Y: 10}, {X: 30, Y: 18}},
	}}
}

func TestCreateBlockages_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/blockages/bulk" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}

		var got []BlockageRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 blockage, got %d", len(got))
		}
		if got[0].StartTime != "2025-01-01T00:31:00" || got[0].EndTime != "2025-01-01T21:35:00" {
			t.Errorf("unexpected window %s - %s", got[0].StartTime, got[0].EndTime)
		}
		if len(got[0].Lines) != 3 || got[0].Lines[2] != (model.Point{X: 30, Y: 18}) {
			t.Errorf("unexpected lines %v", got[0].Lines)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(BulkResult{Created: 1, IDs: []string{"b-1"}})
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 3, logger)

	result, err := client.CreateBlockages(context.Background(), testRecords())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created != 1 || len(result.IDs) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCreateBlockages_EmptyResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 0, zap.NewNop())

	result, err := client.CreateBlockages(context.Background(), testRecords())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("expected created=1, got %d", result.Created)
	}
}

func TestCreateBlockages_NoRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, 10*time.Millisecond, 3, zap.NewNop())

	if _, err := client.CreateBlockages(context.Background(), testRecords()); err == nil {
		t.Fatal("expected error")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestCreateBlockages_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overlapping blockage", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 0, zap.NewNop())

	_, err := client.CreateBlockages(context.Background(), testRecords())
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestFetchState_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/simulations/sim-1/state" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"simulationTime":"2025-01-01T08:00:00"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 0, zap.NewNop())

	body, err := client.FetchState(context.Background(), "sim-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"simulationTime":"2025-01-01T08:00:00"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestFetchInfo_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 0, zap.NewNop())

	_, err := client.FetchInfo(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchInfo_AuthFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Second, 2, zap.NewNop())

	if _, err := client.FetchInfo(context.Background(), "sim-1"); err != ErrAuthFailed {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestFetchInfo_RateLimited(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	client := NewClient(server.URL, 10, 30*time.Second, 10*time.Millisecond, 2, logger)

	_, err := client.FetchInfo(context.Background(), "sim-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	// Should have attempted 3 times (initial + 2 retries)
	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetchState_RetriesServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, 10*time.Millisecond, 3, zap.NewNop())

	if _, err := client.FetchState(context.Background(), "sim-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetch_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 10, 30*time.Second, time.Hour, 3, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.FetchState(ctx, "sim-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
