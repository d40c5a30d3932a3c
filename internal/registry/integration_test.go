package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/dispatch"
	"github.com/dgnsrekt/simsync/internal/metrics"
	"github.com/dgnsrekt/simsync/internal/registry"
	"github.com/dgnsrekt/simsync/internal/transport"
	"github.com/dgnsrekt/simsync/internal/transport/stomptest"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func subscribeFrames(broker *stomptest.Broker, destination string) int {
	n := 0
	for _, f := range broker.Frames(transport.CmdSubscribe) {
		if f.Value("destination") == destination {
			n++
		}
	}
	return n
}

func TestRegistryOverBroker(t *testing.T) {
	broker := stomptest.NewBroker(t)
	logger, _ := zap.NewDevelopment()
	m := metrics.New(nil)

	client := transport.NewClient(transport.Config{
		URL:            broker.URL(),
		ReconnectDelay: 50 * time.Millisecond,
	}, logger, m)
	d := dispatch.New(logger, m)
	reg := registry.New(client, d, logger, m)
	t.Cleanup(func() { _ = reg.Close() })

	client.Activate(context.Background())
	require.Eventually(t, func() bool { return broker.Subscribed(registry.SimulationsTopic) }, waitFor, tick)
	require.Eventually(t, func() bool { return len(broker.Frames(transport.CmdSend)) == 1 }, waitFor, tick)
	assert.Equal(t, registry.RefreshDestination, broker.Frames(transport.CmdSend)[0].Value("destination"))

	broker.Publish(registry.SimulationsTopic, []byte(`{"A":{"id":"A","status":"RUNNING"},"B":{"id":"B","status":"PAUSED"}}`))
	require.Eventually(t, func() bool { return len(d.Available()) == 2 }, waitFor, tick)

	require.NoError(t, reg.Subscribe("A"))
	require.Eventually(t, func() bool { return broker.Subscribed(registry.StateTopic("A")) }, waitFor, tick)

	broker.Publish(registry.StateTopic("A"), []byte(`{"simulationTime":"2025-03-01T08:00:00"}`))
	require.Eventually(t, func() bool {
		_, ok := d.State("A")
		return ok
	}, waitFor, tick)

	// Drop and come back: A is restored exactly once on the new connection.
	broker.DropAll()
	require.Eventually(t, func() bool {
		return broker.Connects() == 2 && broker.Subscribed(registry.StateTopic("A")) && broker.Subscribed(registry.InfoTopic("A"))
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, subscribeFrames(broker, registry.InfoTopic("A")))
	assert.Equal(t, 2, subscribeFrames(broker, registry.StateTopic("A")))
	assert.True(t, reg.Current().Live())

	// Switch to B: A's topics are released and its cache cleared.
	require.NoError(t, reg.Subscribe("B"))
	require.Eventually(t, func() bool {
		return !broker.Subscribed(registry.StateTopic("A")) && broker.Subscribed(registry.StateTopic("B"))
	}, waitFor, tick)
	_, ok := d.State("A")
	assert.False(t, ok)

	assert.Zero(t, broker.Publish(registry.StateTopic("A"), []byte(`{"simulationTime":"late"}`)))
	broker.Publish(registry.InfoTopic("B"), []byte(`{"id":"B","status":"PAUSED"}`))
	require.Eventually(t, func() bool {
		_, ok := d.Info("B")
		return ok
	}, waitFor, tick)
	_, ok = d.State("A")
	assert.False(t, ok)
}

func TestRegistrySubscribeBeforeConnect(t *testing.T) {
	broker := stomptest.NewBroker(t)
	client := transport.NewClient(transport.Config{URL: broker.URL()}, zap.NewNop(), nil)
	reg := registry.New(client, dispatch.New(zap.NewNop(), nil), zap.NewNop(), nil)
	t.Cleanup(func() { _ = reg.Close() })

	assert.ErrorIs(t, reg.Subscribe("A"), transport.ErrNotConnected)
}

func TestCloseAfterShutdownSignal(t *testing.T) {
	broker := stomptest.NewBroker(t)
	client := transport.NewClient(transport.Config{
		URL:            broker.URL(),
		ReconnectDelay: 50 * time.Millisecond,
	}, zap.NewNop(), nil)
	reg := registry.New(client, dispatch.New(zap.NewNop(), nil), zap.NewNop(), nil)

	signalCtx, stop := context.WithCancel(context.Background())
	client.Activate(context.WithoutCancel(signalCtx))
	require.Eventually(t, client.Connected, waitFor, tick)
	require.NoError(t, reg.Subscribe("A"))
	require.Eventually(t, func() bool { return broker.Subscribed(registry.StateTopic("A")) }, waitFor, tick)

	// The signal alone leaves the session up for the clean shutdown.
	stop()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, client.Connected())

	require.NoError(t, reg.Close())
	require.Eventually(t, func() bool { return len(broker.Frames(transport.CmdDisconnect)) == 1 }, waitFor, tick)

	unsubscribed := map[string]bool{}
	for _, f := range broker.Frames(transport.CmdUnsubscribe) {
		unsubscribed[f.Value("id")] = true
	}
	assert.Len(t, unsubscribed, 3, "info, state and the simulations broadcast")
	assert.False(t, client.Connected())
}
