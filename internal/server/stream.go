package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/dispatch"
	"github.com/dgnsrekt/simsync/internal/transport"
)

// Event names written to the stream besides the dispatch kinds.
const (
	EventSnapshot   = "snapshot"
	EventConnection = "connection"
)

// Broadcaster fans dispatcher and connection events out to SSE clients.
type Broadcaster struct {
	snapshot  func() *Snapshot
	keepalive time.Duration
	logger    *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	remote  string
	dataCh  chan []byte
	flusher http.Flusher
	writer  http.ResponseWriter
}

// NewBroadcaster creates a broadcaster. snapshot builds the first event for
// every new client.
func NewBroadcaster(snapshot func() *Snapshot, keepalive time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		snapshot:  snapshot,
		keepalive: keepalive,
		logger:    logger,
		clients:   make(map[*sseClient]bool),
	}
}

// Run forwards dispatcher events until ctx is done or events is closed.
func (b *Broadcaster) Run(ctx context.Context, events <-chan dispatch.Event) {
	b.logger.Info("stream broadcaster starting", zap.Duration("keepalive", b.keepalive))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stream broadcaster stopping")
			return
		case e, ok := <-events:
			if !ok {
				b.logger.Info("dispatcher closed, stream broadcaster stopping")
				return
			}
			b.broadcast(string(e.Kind), e)
		}
	}
}

// PublishConnection streams a transport state change. It matches the
// signature of transport.Client.OnStateChange.
func (b *Broadcaster) PublishConnection(state transport.State) {
	b.broadcast(EventConnection, ConnectionEvent{State: state, At: time.Now()})
}

// Clients returns the number of connected stream clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles the SSE endpoint for subscribers.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		remote:  r.RemoteAddr,
		dataCh:  make(chan []byte, 16),
		flusher: flusher,
		writer:  w,
	}

	b.addClient(client)
	defer b.removeClient(client)

	b.logger.Info("stream client connected", zap.String("remote_addr", client.remote))

	// Send initial snapshot
	if err := b.sendEvent(client, EventSnapshot, b.snapshot()); err != nil {
		b.logger.Error("failed to send snapshot", zap.Error(err))
		return
	}

	var keepalive <-chan time.Time
	if b.keepalive > 0 {
		ticker := time.NewTicker(b.keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	// Stream events
	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("stream client disconnected", zap.String("remote_addr", client.remote))
			return
		case <-keepalive:
			if _, err := client.writer.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			client.flusher.Flush()
		case eventData := <-client.dataCh:
			if _, err := client.writer.Write(eventData); err != nil {
				b.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			client.flusher.Flush()
		}
	}
}

func (b *Broadcaster) addClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
}

func (b *Broadcaster) broadcast(eventType string, data any) {
	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	eventData, err := b.formatEvent(eventType, data)
	if err != nil {
		b.logger.Warn("failed to encode stream event", zap.String("event", eventType), zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.dataCh <- eventData:
		default:
			// Channel full, client is slow
			b.logger.Debug("client channel full, dropping event",
				zap.String("event", eventType),
				zap.String("remote_addr", client.remote),
			)
		}
	}
}

func (b *Broadcaster) sendEvent(client *sseClient, eventType string, data any) error {
	eventData, err := b.formatEvent(eventType, data)
	if err != nil {
		return err
	}

	if _, err := client.writer.Write(eventData); err != nil {
		return err
	}
	client.flusher.Flush()
	return nil
}

func (b *Broadcaster) formatEvent(eventType string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sequence++
	seq := b.sequence
	b.mu.Unlock()

	event := fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, seq, jsonData)
	return []byte(event), nil
}
