// Package stomptest provides an in-process STOMP-over-WebSocket broker for
// tests. It speaks just enough STOMP 1.2 for the transport client: the
// CONNECT handshake, SUBSCRIBE/UNSUBSCRIBE bookkeeping, recorded SENDs and
// MESSAGE fan-out.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/simsync/internal/transport"
)

// Broker is a test STOMP broker backed by httptest.Server.
type Broker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*conn]struct{}
	received  []*transport.Frame
	heartbeat [2]time.Duration // sx, sy advertised in CONNECTED
	rejectMsg string

	silent   atomic.Bool
	connects atomic.Int32
	nextMsg  atomic.Int64
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
	done    chan struct{}
	once    sync.Once
}

// NewBroker starts a broker and registers its shutdown with t.Cleanup.
func NewBroker(t testing.TB) *Broker {
	t.Helper()
	b := &Broker{
		conns: make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{transport.Subprotocol},
		},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Close)
	return b
}

// URL returns the ws:// endpoint of the broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

// SetHeartbeat sets the heart-beat the broker advertises to new connections.
// A non-zero sx makes the broker send EOL heart-beats at that interval.
func (b *Broker) SetHeartbeat(sx, sy time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeat = [2]time.Duration{sx, sy}
}

// SetSilent stops (or resumes) outbound heart-beats without closing anything,
// which looks like a dead link to the client.
func (b *Broker) SetSilent(silent bool) {
	b.silent.Store(silent)
}

// RejectConnect makes the broker answer CONNECT with an ERROR frame. An empty
// message restores normal behaviour.
func (b *Broker) RejectConnect(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectMsg = message
}

// Connects returns how many CONNECT handshakes succeeded.
func (b *Broker) Connects() int {
	return int(b.connects.Load())
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribed reports whether any open connection is subscribed to destination.
func (b *Broker) Subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		for _, d := range c.subs {
			if d == destination {
				return true
			}
		}
	}
	return false
}

// Destinations returns every subscribed destination across open connections.
func (b *Broker) Destinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for c := range b.conns {
		for _, d := range c.subs {
			out = append(out, d)
		}
	}
	return out
}

// Frames returns the frames received with the given command, in arrival order.
func (b *Broker) Frames(command string) []*transport.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*transport.Frame
	for _, f := range b.received {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// Publish delivers body as a MESSAGE to every subscription on destination and
// returns how many subscriptions received it.
func (b *Broker) Publish(destination string, body []byte) int {
	type target struct {
		c  *conn
		id string
	}
	var targets []target

	b.mu.Lock()
	for c := range b.conns {
		for id, d := range c.subs {
			if d == destination {
				targets = append(targets, target{c, id})
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		f := transport.NewFrame(transport.CmdMessage,
			"destination", destination,
			"subscription", t.id,
			"message-id", strconv.FormatInt(b.nextMsg.Add(1), 10),
			"content-type", "application/json",
		)
		f.Body = body
		if t.c.write(f.Marshal()) == nil {
			delivered++
		}
	}
	return delivered
}

// PublishRaw writes data verbatim to every open connection.
func (b *Broker) PublishRaw(data []byte) {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.write(data)
	}
}

// DropAll abruptly closes every open connection.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
		delete(b.conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Close drops every connection and stops the server.
func (b *Broker) Close() {
	b.DropAll()
	b.srv.Close()
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, subs: make(map[string]string), done: make(chan struct{})}
	defer c.close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			b.forget(c)
			return
		}
		frames, err := transport.ParseFrames(data)
		if err != nil {
			b.forget(c)
			return
		}
		for _, f := range frames {
			if !b.apply(c, f) {
				b.forget(c)
				return
			}
		}
	}
}

// apply handles one client frame. It returns false when the connection should end.
func (b *Broker) apply(c *conn, f *transport.Frame) bool {
	b.mu.Lock()
	b.received = append(b.received, f)
	reject := b.rejectMsg
	hb := b.heartbeat
	b.mu.Unlock()

	switch f.Command {
	case transport.CmdConnect, transport.CmdStomp:
		if reject != "" {
			_ = c.write(transport.NewFrame(transport.CmdError, "message", reject).Marshal())
			return false
		}
		reply := transport.NewFrame(transport.CmdConnected,
			"version", "1.2",
			"server", "stomptest/1.0",
			"heart-beat", strconv.FormatInt(hb[0].Milliseconds(), 10)+","+strconv.FormatInt(hb[1].Milliseconds(), 10),
		)
		// Registered before replying so the client never observes a
		// connection the broker cannot reach yet.
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		b.connects.Add(1)
		if err := c.write(reply.Marshal()); err != nil {
			return false
		}
		if hb[0] > 0 {
			go b.heartbeats(c, hb[0])
		}

	case transport.CmdSubscribe:
		b.mu.Lock()
		c.subs[f.Value("id")] = f.Value("destination")
		b.mu.Unlock()

	case transport.CmdUnsubscribe:
		b.mu.Lock()
		delete(c.subs, f.Value("id"))
		b.mu.Unlock()

	case transport.CmdDisconnect:
		if receipt := f.Value("receipt"); receipt != "" {
			_ = c.write(transport.NewFrame(transport.CmdReceipt, "receipt-id", receipt).Marshal())
		}
	}
	return true
}

func (b *Broker) forget(c *conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *Broker) heartbeats(c *conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if b.silent.Load() {
				continue
			}
			if c.write([]byte{'\n'}) != nil {
				return
			}
		}
	}
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
