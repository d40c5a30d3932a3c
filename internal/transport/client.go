// Package transport owns the single persistent STOMP-over-WebSocket
// connection to the simulation broker.
//
// A Client cycles DISCONNECTED → CONNECTING → CONNECTED → (ERROR | CLOSED) and
// back to CONNECTING after a fixed delay until it is deactivated. It never
// resubscribes on its own: every drop clears the subscription table, and
// callers re-establish what they still want from an OnConnect hook.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/metrics"
)

const (
	// Maximum frame size accepted from the broker.
	maxFrameSize = 4 * 1024 * 1024

	defaultReconnectDelay = 5 * time.Second
	defaultHeartbeat      = 4 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBuffer     = 256
)

// Config defines the broker endpoint and connection timings.
type Config struct {
	URL      string
	Host     string // STOMP host header, defaults to the URL host
	Login    string
	Passcode string

	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// HeartbeatTimeout bounds the silence tolerated on the read side. Zero
	// means twice the negotiated incoming interval.
	HeartbeatTimeout time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	SendBufferSize   int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.HeartbeatOutgoing < 0 {
		c.HeartbeatOutgoing = 0
	}
	if c.HeartbeatIncoming < 0 {
		c.HeartbeatIncoming = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBuffer
	}
	return c
}

// DefaultConfig returns the timings used by the dashboard: 5s reconnect
// delay and 4s heartbeats in both directions.
func DefaultConfig(brokerURL string) Config {
	return Config{
		URL:               brokerURL,
		ReconnectDelay:    defaultReconnectDelay,
		HeartbeatOutgoing: defaultHeartbeat,
		HeartbeatIncoming: defaultHeartbeat,
	}
}

// Client is a STOMP client over a single WebSocket connection.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	state atomic.Int32

	mu     sync.Mutex
	sess   *session
	subs   map[string]*subscription // subscription id -> handle
	byDest map[string]string        // destination -> subscription id
	cancel context.CancelFunc
	done   chan struct{}

	hookMu       sync.RWMutex
	onConnect    []func()
	onDisconnect []func(error)
	onState      []func(State)
}

// NewClient creates a Client. It does not connect until Activate is called.
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		subs:   make(map[string]*subscription),
		byDest: make(map[string]string),
	}
}

// OnConnect registers fn to run after every successful handshake. Hooks run
// on their own goroutine so inbound frames are never held up.
func (c *Client) OnConnect(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers fn to run after a connection ends, once its
// subscriptions have been invalidated.
func (c *Client) OnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnStateChange registers fn to observe every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onState = append(c.onState, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether the client is in the CONNECTED state.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Activate starts the connect loop. Calling it on an active client is a no-op.
func (c *Client) Activate(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Deactivate unsubscribes every live subscription, disconnects and waits for
// the connect loop to exit. Acknowledgements are not awaited.
func (c *Client) Deactivate() {
	c.mu.Lock()
	cancel, done, sess := c.cancel, c.done, c.sess
	c.cancel = nil
	if sess != nil {
		for id := range c.subs {
			_ = c.enqueueLocked(sess, NewFrame(CmdUnsubscribe, "id", id))
		}
		_ = c.enqueueLocked(sess, NewFrame(CmdDisconnect, "receipt", "disconnect-"+sess.id))
	}
	c.clearSubscriptionsLocked()
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send publishes body to destination.
func (c *Client) Send(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || !c.Connected() {
		return ErrNotConnected
	}
	f := NewFrame(CmdSend, "destination", destination, "content-type", "application/json")
	f.Body = body
	return c.enqueueLocked(c.sess, f)
}

// Subscribe registers handler for destination on the current connection.
func (c *Client) Subscribe(destination string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || !c.Connected() {
		return nil, ErrNotConnected
	}
	if _, dup := c.byDest[destination]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, destination)
	}

	id := "sub-" + uuid.NewString()
	if err := c.enqueueLocked(c.sess, NewFrame(CmdSubscribe, "id", id, "destination", destination, "ack", "auto")); err != nil {
		return nil, err
	}

	sub := &subscription{id: id, destination: destination, handler: handler, client: c, sess: c.sess}
	c.subs[id] = sub
	c.byDest[destination] = id

	c.logger.Debug("subscribed",
		zap.String("destination", destination),
		zap.String("subscription", id),
	)
	return sub, nil
}

// Subscriptions returns the destinations with a live subscription.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	dests := make([]string, 0, len(c.byDest))
	for d := range c.byDest {
		dests = append(dests, d)
	}
	return dests
}

func (c *Client) unsubscribe(s *subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.subs[s.id]; !ok || cur != s {
		return nil
	}
	delete(c.subs, s.id)
	delete(c.byDest, s.destination)

	c.logger.Debug("unsubscribed",
		zap.String("destination", s.destination),
		zap.String("subscription", s.id),
	)

	if c.sess == nil || c.sess != s.sess {
		return nil
	}
	return c.enqueueLocked(c.sess, NewFrame(CmdUnsubscribe, "id", s.id))
}

func (c *Client) enqueueLocked(s *session, f *Frame) error {
	if err := s.enqueue(f.Marshal()); err != nil {
		return err
	}
	c.metrics.FramesSent.WithLabelValues(f.Command).Inc()
	return nil
}

func (c *Client) clearSubscriptionsLocked() {
	c.subs = make(map[string]*subscription)
	c.byDest = make(map[string]string)
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.metrics.ConnectionState.Set(float64(s))
	c.logger.Debug("transport state changed",
		zap.Stringer("from", old),
		zap.Stringer("to", s),
	)

	c.hookMu.RLock()
	hooks := append([]func(State){}, c.onState...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// run is the connect loop. Call in a goroutine.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.setState(StateClosed)
		close(done)
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			c.metrics.ReconnectAttempts.Inc()
		}

		c.setState(StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("broker connect failed",
				zap.String("url", c.cfg.URL),
				zap.Int("attempt", attempt+1),
				zap.Duration("retryIn", c.cfg.ReconnectDelay),
				zap.Error(err),
			)
			c.setState(StateError)
		} else {
			err = c.serve(ctx, sess)
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Info("broker closed connection",
					zap.String("connID", sess.id),
					zap.Duration("retryIn", c.cfg.ReconnectDelay),
				)
			} else {
				c.logger.Warn("broker connection lost",
					zap.String("connID", sess.id),
					zap.Duration("retryIn", c.cfg.ReconnectDelay),
					zap.Error(err),
				)
			}
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connect dials the broker and completes the STOMP handshake.
func (c *Client) connect(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	connect := NewFrame(CmdConnect,
		"accept-version", "1.2",
		"host", c.stompHost(),
		"heart-beat", formatHeartbeat(c.cfg.HeartbeatOutgoing, c.cfg.HeartbeatIncoming),
	)
	if c.cfg.Login != "" {
		connect.Headers = append(connect.Headers, Header{Key: "login", Value: c.cfg.Login}, Header{Key: "passcode", Value: c.cfg.Passcode})
	}

	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		ws.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	c.metrics.FramesSent.WithLabelValues(CmdConnect).Inc()

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	var connected *Frame
	for connected == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		frames, err := ParseFrames(data)
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		switch f := frames[0]; f.Command {
		case CmdConnected:
			connected = f
		case CmdError:
			ws.Close()
			return nil, fmt.Errorf("%w: %s", ErrBrokerError, f.Value("message"))
		default:
			ws.Close()
			return nil, fmt.Errorf("await CONNECTED: unexpected %s frame", f.Command)
		}
	}
	c.metrics.FramesReceived.WithLabelValues(CmdConnected).Inc()

	sx, sy := parseHeartbeat(connected.Value("heart-beat"))
	outgoing := negotiate(c.cfg.HeartbeatOutgoing, sy)
	incoming := negotiate(c.cfg.HeartbeatIncoming, sx)
	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 2 * incoming
	}
	if incoming == 0 {
		timeout = 0
	}

	sess := &session{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan []byte, c.cfg.SendBufferSize),
		done:         make(chan struct{}),
		outgoing:     outgoing,
		readTimeout:  timeout,
		writeTimeout: c.cfg.WriteTimeout,
	}

	c.logger.Info("broker connected",
		zap.String("url", c.cfg.URL),
		zap.String("connID", sess.id),
		zap.String("server", connected.Value("server")),
		zap.Duration("heartbeatOut", outgoing),
		zap.Duration("heartbeatIn", incoming),
	)
	return sess, nil
}

// serve runs one connected session until it ends and returns the cause.
func (c *Client) serve(ctx context.Context, sess *session) error {
	c.mu.Lock()
	c.sess = sess
	c.clearSubscriptionsLocked()
	c.mu.Unlock()

	go sess.writePump(c.logger)
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.done:
		}
	}()

	c.setState(StateConnected)

	c.hookMu.RLock()
	connectHooks := append([]func(){}, c.onConnect...)
	c.hookMu.RUnlock()
	go func() {
		for _, fn := range connectHooks {
			fn()
		}
	}()

	err := c.readPump(sess)
	sess.close()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.clearSubscriptionsLocked()
	}
	c.mu.Unlock()

	if ctx.Err() == nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.setState(StateClosed)
		} else {
			c.setState(StateError)
		}
	}

	c.hookMu.RLock()
	disconnectHooks := append([]func(error){}, c.onDisconnect...)
	c.hookMu.RUnlock()
	for _, fn := range disconnectHooks {
		fn(err)
	}
	return err
}

// readPump reads frames until the connection fails or goes silent.
func (c *Client) readPump(sess *session) error {
	sess.ws.SetReadLimit(maxFrameSize)
	sess.extendReadDeadline()
	sess.ws.SetPongHandler(func(string) error {
		sess.extendReadDeadline()
		return nil
	})

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.metrics.HeartbeatTimeouts.Inc()
				return fmt.Errorf("%w: no data for %s", ErrHeartbeatTimeout, sess.readTimeout)
			}
			return err
		}
		sess.extendReadDeadline()

		frames, err := ParseFrames(data)
		if err != nil {
			c.metrics.FramesDropped.WithLabelValues("parse").Inc()
			c.logger.Debug("dropping unparsable frame",
				zap.String("connID", sess.id),
				zap.Error(err),
			)
		}
		for _, f := range frames {
			c.metrics.FramesReceived.WithLabelValues(f.Command).Inc()
			if err := c.handleFrame(sess, f); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleFrame(sess *session, f *Frame) error {
	switch f.Command {
	case CmdMessage:
		id := f.Value("subscription")
		c.mu.Lock()
		sub := c.subs[id]
		c.mu.Unlock()
		if sub == nil || sub.sess != sess {
			c.metrics.FramesDropped.WithLabelValues("unknown_subscription").Inc()
			c.logger.Debug("dropping message for unknown subscription",
				zap.String("subscription", id),
				zap.String("destination", f.Value("destination")),
			)
			return nil
		}
		sub.handler(Message{
			Destination:  f.Value("destination"),
			Subscription: id,
			MessageID:    f.Value("message-id"),
			ContentType:  f.Value("content-type"),
			Body:         f.Body,
		})

	case CmdReceipt:
		c.logger.Debug("receipt", zap.String("receiptID", f.Value("receipt-id")))

	case CmdError:
		c.logger.Error("broker error",
			zap.String("connID", sess.id),
			zap.String("message", f.Value("message")),
			zap.ByteString("body", f.Body),
		)
		return fmt.Errorf("%w: %s", ErrBrokerError, f.Value("message"))

	default:
		c.logger.Debug("ignoring frame", zap.String("command", f.Command))
	}
	return nil
}

func (c *Client) stompHost() string {
	if c.cfg.Host != "" {
		return c.cfg.Host
	}
	if u, err := url.Parse(c.cfg.URL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "/"
}

func formatHeartbeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// parseHeartbeat reads a "sx,sy" heart-beat header. Missing or invalid values are 0.
func parseHeartbeat(v string) (time.Duration, time.Duration) {
	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	x, errX := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, errY := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if errX != nil || errY != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate applies the STOMP rule: disabled if either side is 0, otherwise
// the larger of the two intervals.
func negotiate(ours, theirs time.Duration) time.Duration {
	if ours == 0 || theirs == 0 {
		return 0
	}
	return max(ours, theirs)
}
