package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/transport"
)

// fakeTransport records handles and lets tests deliver frames to handlers
// directly, including handlers that have already been unsubscribed.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	next         int
	live         map[string]*fakeSub // destination -> handle
	handlers     map[string][]transport.Handler
	sent         []string
	subscribes   []string
	unsubscribes []string
	onConnect    []func()
	onDisconnect []func(error)
	deactivated  bool
}

type fakeSub struct {
	t    *fakeTransport
	id   string
	dest string
	dead bool
}

func (s *fakeSub) ID() string          { return s.id }
func (s *fakeSub) Destination() string { return s.dest }

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.dead {
		return nil
	}
	s.dead = true
	delete(s.t.live, s.dest)
	s.t.unsubscribes = append(s.t.unsubscribes, s.dest)
	return nil
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		live:      make(map[string]*fakeSub),
		handlers:  make(map[string][]transport.Handler),
	}
}

func (f *fakeTransport) Subscribe(dest string, h transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	if _, dup := f.live[dest]; dup {
		return nil, fmt.Errorf("%w: %s", transport.ErrAlreadySubscribed, dest)
	}
	f.next++
	sub := &fakeSub{t: f, id: fmt.Sprintf("sub-%d", f.next), dest: dest}
	f.live[dest] = sub
	f.handlers[dest] = append(f.handlers[dest], h)
	f.subscribes = append(f.subscribes, dest)
	return sub, nil
}

func (f *fakeTransport) Send(dest string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, dest)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) OnConnect(fn func())         { f.onConnect = append(f.onConnect, fn) }
func (f *fakeTransport) OnDisconnect(fn func(error)) { f.onDisconnect = append(f.onDisconnect, fn) }

func (f *fakeTransport) Deactivate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = true
	f.connected = false
}

// drop simulates a dropped connection: every handle dies silently.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	for _, s := range f.live {
		s.dead = true
	}
	f.live = make(map[string]*fakeSub)
	hooks := f.onDisconnect
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(transport.ErrHeartbeatTimeout)
	}
}

func (f *fakeTransport) reconnect() {
	f.mu.Lock()
	f.connected = true
	hooks := f.onConnect
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// deliver invokes every handler ever registered for dest, live or not.
func (f *fakeTransport) deliver(dest string, body string) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[dest]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(transport.Message{Destination: dest, Body: []byte(body)})
	}
}

func (f *fakeTransport) liveDestinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.live))
	for d := range f.live {
		out = append(out, d)
	}
	return out
}

func (f *fakeTransport) count(list *[]string, dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range *list {
		if d == dest {
			n++
		}
	}
	return n
}

type sinkCall struct {
	kind string
	id   string
	body string
}

type recordingSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	clears  int
	tracked []string
}

func (s *recordingSink) HandleInfo(id string, body []byte) error {
	s.record(sinkCall{"info", id, string(body)})
	return nil
}

func (s *recordingSink) HandleState(id string, body []byte) error {
	s.record(sinkCall{"state", id, string(body)})
	return nil
}

func (s *recordingSink) HandleAvailable(body []byte) error {
	s.record(sinkCall{"available", "", string(body)})
	return nil
}

func (s *recordingSink) Track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, id)
}

func (s *recordingSink) trackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracked...)
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *recordingSink) record(c sinkCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *recordingSink) callsFor(id string) []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkCall
	for _, c := range s.calls {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTransport, *recordingSink) {
	t.Helper()
	ft := newFakeTransport()
	sink := &recordingSink{}
	return New(ft, sink, zap.NewNop(), nil), ft, sink
}

func TestSubscribeOpensBothTopics(t *testing.T) {
	r, ft, sink := newTestRegistry(t)

	require.NoError(t, r.Subscribe("A"))
	assert.ElementsMatch(t, []string{InfoTopic("A"), StateTopic("A")}, ft.liveDestinations())

	cur := r.Current()
	assert.Equal(t, "A", cur.SimulationID)
	assert.True(t, cur.Live())

	ft.deliver(InfoTopic("A"), `{"id":"A"}`)
	ft.deliver(StateTopic("A"), `{"simulationTime":"t"}`)
	assert.Equal(t, []sinkCall{
		{"info", "A", `{"id":"A"}`},
		{"state", "A", `{"simulationTime":"t"}`},
	}, sink.callsFor("A"))
}

func TestSubscribeSameIDIsNoop(t *testing.T) {
	r, ft, _ := newTestRegistry(t)

	require.NoError(t, r.Subscribe("A"))
	require.NoError(t, r.Subscribe("A"))

	assert.Equal(t, 1, ft.count(&ft.subscribes, InfoTopic("A")))
	assert.Equal(t, 1, ft.count(&ft.subscribes, StateTopic("A")))
	assert.Len(t, ft.liveDestinations(), 2)
}

func TestSwitchOver(t *testing.T) {
	r, ft, sink := newTestRegistry(t)

	require.NoError(t, r.Subscribe("A"))
	ft.deliver(StateTopic("A"), `a1`)

	require.NoError(t, r.Subscribe("B"))

	// Zero live handles for A, exactly two for B.
	assert.ElementsMatch(t, []string{InfoTopic("B"), StateTopic("B")}, ft.liveDestinations())
	assert.Equal(t, 1, ft.count(&ft.unsubscribes, InfoTopic("A")))
	assert.Equal(t, 1, ft.count(&ft.unsubscribes, StateTopic("A")))
	assert.Equal(t, 1, sink.clears)

	// Late A frames still in flight are not dispatched.
	ft.deliver(InfoTopic("A"), `a-late`)
	ft.deliver(StateTopic("A"), `a-late`)
	assert.Equal(t, []sinkCall{{"state", "A", "a1"}}, sink.callsFor("A"))

	ft.deliver(StateTopic("B"), `b1`)
	assert.Equal(t, []sinkCall{{"state", "B", "b1"}}, sink.callsFor("B"))
	assert.Equal(t, []string{"A", "B"}, sink.trackedIDs())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r, ft, sink := newTestRegistry(t)

	require.NoError(t, r.Unsubscribe())
	assert.Zero(t, sink.clears)

	require.NoError(t, r.Subscribe("A"))
	require.NoError(t, r.Unsubscribe())
	require.NoError(t, r.Unsubscribe())

	assert.Empty(t, ft.liveDestinations())
	assert.Equal(t, 1, ft.count(&ft.unsubscribes, InfoTopic("A")))
	assert.Equal(t, 1, sink.clears)
	assert.Equal(t, Record{}, r.Current())
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	r, ft, _ := newTestRegistry(t)
	ft.connected = false

	err := r.Subscribe("A")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Empty(t, r.SimulationID(), "failed subscribe is not queued")

	ft.reconnect()
	assert.Equal(t, []string{SimulationsTopic}, ft.liveDestinations())
	assert.Zero(t, ft.count(&ft.subscribes, InfoTopic("A")))
}

func TestSubscribeEmptyID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	assert.ErrorIs(t, r.Subscribe(""), ErrEmptySimulationID)
}

func TestReconnectResubscribesExactlyOnce(t *testing.T) {
	r, ft, sink := newTestRegistry(t)

	ft.reconnect()
	require.NoError(t, r.Subscribe("A"))
	assert.Equal(t, 1, ft.count(&ft.subscribes, InfoTopic("A")))

	ft.drop()
	assert.Equal(t, "A", r.SimulationID())
	assert.False(t, r.Current().Live())

	ft.reconnect()
	ft.reconnect() // a duplicate notification must not duplicate handles

	assert.Equal(t, 2, ft.count(&ft.subscribes, InfoTopic("A")))
	assert.Equal(t, 2, ft.count(&ft.subscribes, StateTopic("A")))
	assert.Equal(t, 2, ft.count(&ft.subscribes, SimulationsTopic))
	assert.ElementsMatch(t,
		[]string{InfoTopic("A"), StateTopic("A"), SimulationsTopic},
		ft.liveDestinations(),
	)
	assert.True(t, r.Current().Live())
	assert.Zero(t, sink.clears, "a drop keeps cached snapshots")
	assert.Equal(t, []string{"A", "A"}, sink.trackedIDs())
}

func TestReconnectWithoutSimulation(t *testing.T) {
	_, ft, sink := newTestRegistry(t)

	ft.reconnect()
	assert.Equal(t, []string{SimulationsTopic}, ft.liveDestinations())
	assert.Equal(t, 1, ft.count(&ft.sent, RefreshDestination))

	ft.deliver(SimulationsTopic, `{}`)
	assert.Equal(t, []sinkCall{{"available", "", "{}"}}, sink.callsFor(""))
}

func TestConflictFromTransport(t *testing.T) {
	r, ft, _ := newTestRegistry(t)

	// Something else already holds A's state topic.
	_, err := ft.Subscribe(StateTopic("A"), func(transport.Message) {})
	require.NoError(t, err)

	err = r.Subscribe("A")
	assert.ErrorIs(t, err, ErrSubscriptionConflict)
	assert.ErrorIs(t, err, transport.ErrAlreadySubscribed)

	// The info handle opened first was rolled back.
	assert.Equal(t, []string{StateTopic("A")}, ft.liveDestinations())
	assert.Empty(t, r.SimulationID())
}

func TestRequestRefresh(t *testing.T) {
	r, ft, _ := newTestRegistry(t)
	require.NoError(t, r.RequestRefresh())
	assert.Equal(t, 1, ft.count(&ft.sent, RefreshDestination))

	ft.connected = false
	assert.ErrorIs(t, r.RequestRefresh(), transport.ErrNotConnected)
}

func TestClose(t *testing.T) {
	r, ft, sink := newTestRegistry(t)
	ft.reconnect()
	require.NoError(t, r.Subscribe("A"))

	require.NoError(t, r.Close())
	assert.Empty(t, ft.liveDestinations())
	assert.True(t, ft.deactivated)
	assert.Equal(t, 1, sink.clears)
}
