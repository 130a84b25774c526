package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastToleratesConcurrentDisconnects(t *testing.T) {
	h := newTestHub(t, Config{SendBufferSize: 4096, LivenessDeadline: time.Hour})

	const n = 40
	consumers := make([]*Conn, n)
	for i := range consumers {
		device := "d1"
		if i%2 == 1 {
			device = "d2"
		}
		consumers[i] = connect(t, h, RoleConsumer, device)
	}

	stop := make(chan struct{})
	var overDelivered, broadcasts int
	var broadcasting sync.WaitGroup
	broadcasting.Add(1)
	go func() {
		defer broadcasting.Done()
		alarm := Event{Fields: map[string]json.RawMessage{"alerts": json.RawMessage(`["hot"]`)}}
		for seq := 0; ; seq++ {
			select {
			case <-stop:
				return
			default:
			}
			// Only removals happen concurrently, so the consumer count taken
			// before a broadcast bounds its deliveries.
			open := len(h.Registry().Consumers())
			if h.Broadcaster().Telemetry(telemetryEvent("d1", seq)) > open {
				overDelivered++
			}
			open = len(h.Registry().Consumers())
			if h.Broadcaster().Alarm(alarm) > open {
				overDelivered++
			}
			broadcasts++
		}
	}()

	var removing sync.WaitGroup
	removing.Add(2)
	go func() {
		defer removing.Done()
		for _, c := range consumers[:n/2] {
			h.Disconnect(c, monitoring.DisconnectReasonClientInitiated, monitoring.DisconnectInitiatedByClient)
		}
	}()
	go func() {
		defer removing.Done()
		for _, c := range consumers[n/2:] {
			_ = c.Close()
			h.Liveness().Sweep(time.Now())
		}
	}()
	removing.Wait()
	close(stop)
	broadcasting.Wait()

	assert.Zero(t, overDelivered)
	assert.Positive(t, broadcasts)
	assert.Empty(t, h.Registry().All())
	assert.Empty(t, h.Subscriptions().Devices())
	assert.Zero(t, h.Broadcaster().Telemetry(telemetryEvent("d1", -1)))
	for _, c := range consumers {
		assert.False(t, c.IsOpen())
	}
}

func TestSubscribingConsumerNeverMissesTelemetry(t *testing.T) {
	h := newTestHub(t, Config{SendBufferSize: 4096})
	c := connect(t, h, RoleConsumer, "")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.Subscriptions().Subscribe("d1", c)
			h.Subscriptions().Unsubscribe("d1", c)
		}
	}()

	// Subscribed to d1 or unfiltered, c is a recipient either way
	missed := 0
	for i := 0; i < 1000; i++ {
		if h.Broadcaster().Telemetry(telemetryEvent("d1", i)) != 1 {
			missed++
		}
		drain(t, c)
	}
	close(stop)
	<-done

	assert.Zero(t, missed)
}

func TestConnectAfterShutdownIsRefused(t *testing.T) {
	h := NewHub(Config{}, nil, zerolog.Nop())
	c, err := h.Connect(RoleConsumer, "d1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.Shutdown())
	assert.False(t, c.IsOpen())

	_, err = h.Connect(RoleConsumer, "d1", nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, h.Registry().All())
	assert.Empty(t, h.Subscriptions().Devices())
}

func TestShutdownClosesEveryAdmittedConnection(t *testing.T) {
	h := NewHub(Config{}, nil, zerolog.Nop())

	var (
		mu       sync.Mutex
		admitted []*Conn
		wg       sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c, err := h.Connect(RoleConsumer, "d1", nil)
				if err != nil {
					return
				}
				mu.Lock()
				admitted = append(admitted, c)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(time.Millisecond)
	h.Shutdown()
	wg.Wait()

	for _, c := range admitted {
		assert.False(t, c.IsOpen(), "connection %s survived shutdown", c.ID())
	}
	assert.Empty(t, h.Registry().All())
	assert.Empty(t, h.Subscriptions().Devices())
}
