package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/server"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*server.Server, string) {
	t.Helper()
	s, err := server.NewServer(types.ServerConfig{
		Addr:            "127.0.0.1:0",
		MaxConnections:  16,
		SendBufferSize:  64,
		MetricsInterval: time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.StartBackground())

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func runClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return c
}

type collector struct {
	mu       sync.Mutex
	messages []Message
}

func (c *collector) add(m Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{URL: "ws://localhost/ws", ClientType: "admin"})
	assert.Error(t, err)

	_, err = New(Options{URL: "http://localhost/ws"})
	assert.Error(t, err)

	c, err := New(Options{URL: "ws://localhost/ws", DeviceID: "d1"})
	require.NoError(t, err)
	assert.Contains(t, c.url, "clientType=consumer")
	assert.Contains(t, c.url, "deviceId=d1")
}

func TestBackoffIsCapped(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second
	assert.Equal(t, base, backoff(base, limit, 0))
	assert.Equal(t, 200*time.Millisecond, backoff(base, limit, 1))
	assert.Equal(t, 800*time.Millisecond, backoff(base, limit, 3))
	assert.Equal(t, limit, backoff(base, limit, 4))
	assert.Equal(t, limit, backoff(base, limit, 100))
}

func TestSendersRequireConnection(t *testing.T) {
	c, err := New(Options{URL: "ws://localhost/ws"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Ping(), ErrNotConnected)
	assert.NoError(t, c.Subscribe("d1"), "subscriptions are deferred until connected")
	assert.Equal(t, []string{"d1"}, c.Subscriptions())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(), ErrClosed)
}

func TestTelemetryAndAlarmsReachObservers(t *testing.T) {
	_, url := startRelay(t)

	consumer := runClient(t, Options{URL: url, MinBackoff: 10 * time.Millisecond})
	var telemetry, alarms collector
	consumer.SubscribeTelemetry(telemetry.add)
	consumer.SubscribeAlarms(alarms.add)

	producer := runClient(t, Options{URL: url, ClientType: ClientTypeProducer, DeviceID: "d1"})
	require.Eventually(t, func() bool {
		return consumer.Connected() && producer.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, producer.SendTelemetry("", map[string]any{"temperature": 71.5}))
	require.NoError(t, producer.SendAlarm("d1", []any{map[string]any{"level": "high"}}))

	require.Eventually(t, func() bool {
		return len(telemetry.snapshot()) == 1 && len(alarms.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	reading := telemetry.snapshot()[0]
	assert.Equal(t, "d1", reading.DeviceID, "producer's bound device is applied")
	var body struct {
		Temperature float64 `json:"temperature"`
	}
	require.NoError(t, reading.Decode(&body))
	assert.Equal(t, 71.5, body.Temperature)
	assert.Equal(t, "d1", alarms.snapshot()[0].Device)
}

func TestRevokeStopsDelivery(t *testing.T) {
	_, url := startRelay(t)
	consumer := runClient(t, Options{URL: url})
	producer := runClient(t, Options{URL: url, ClientType: ClientTypeProducer})

	var revoked, kept collector
	tok := consumer.SubscribeTelemetry(revoked.add)
	consumer.SubscribeTelemetry(kept.add)
	assert.True(t, consumer.Revoke(tok))
	assert.False(t, consumer.Revoke(tok))

	require.Eventually(t, func() bool {
		return consumer.Connected() && producer.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, producer.SendTelemetry("d2", map[string]any{"humidity": 10}))
	require.Eventually(t, func() bool { return len(kept.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, revoked.snapshot())
}

func TestPingReturnsPong(t *testing.T) {
	_, url := startRelay(t)
	c := runClient(t, Options{URL: url})

	pongs := make(chan Message, 1)
	c.Observe(TypePong, func(m Message) { pongs <- m })
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Ping())
	select {
	case m := <-pongs:
		assert.NotEmpty(t, m.Timestamp)
	case <-time.After(3 * time.Second):
		t.Fatal("no pong")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	s, url := startRelay(t)
	c := runClient(t, Options{URL: url, MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	require.NoError(t, c.Subscribe("d5"))

	require.Eventually(t, func() bool {
		return c.Connected() && s.Hub().Subscriptions().Count("d5") == 1
	}, 3*time.Second, 10*time.Millisecond)
	firstID := c.ConnID()

	for _, conn := range s.Hub().Registry().All() {
		s.Hub().Disconnect(conn, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
	}

	require.Eventually(t, func() bool {
		id := c.ConnID()
		return c.Connected() && id != "" && id != firstID && s.Hub().Subscriptions().Count("d5") == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCloseStopsRun(t *testing.T) {
	_, url := startRelay(t)
	c, err := New(Options{URL: url})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, c.Connected())
}
