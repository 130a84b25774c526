package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telemetryEvent(deviceID string, seq int) Event {
	return Event{
		Type:     TypeTelemetry,
		DeviceID: deviceID,
		Fields:   map[string]json.RawMessage{"seq": json.RawMessage(itoa(seq))},
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestBroadcastCountsOnlyOpenRecipients(t *testing.T) {
	h := newTestHub(t, Config{})
	c1 := connect(t, h, RoleConsumer, "")
	c2 := connect(t, h, RoleConsumer, "")
	c3 := connect(t, h, RoleConsumer, "d1")

	_ = c2.Close()

	assert.Equal(t, 2, h.Broadcaster().Telemetry(telemetryEvent("d1", 1)))
	assert.Len(t, drain(t, c1), 1)
	assert.Empty(t, drain(t, c2))
	assert.Len(t, drain(t, c3), 1)
}

func TestBroadcastWithNoConsumers(t *testing.T) {
	h := newTestHub(t, Config{})
	connect(t, h, RoleProducer, "d1")

	assert.Equal(t, 0, h.Broadcaster().Telemetry(telemetryEvent("d1", 1)))
	assert.Equal(t, 0, h.Broadcaster().Alarm(Event{Fields: map[string]json.RawMessage{}}))
}

func TestTelemetryWithoutDeviceGoesToUnfilteredOnly(t *testing.T) {
	h := newTestHub(t, Config{})
	filtered := connect(t, h, RoleConsumer, "d1")
	open := connect(t, h, RoleConsumer, "")

	assert.Equal(t, 1, h.Broadcaster().Telemetry(telemetryEvent("", 1)))
	assert.Empty(t, drain(t, filtered))
	assert.Len(t, drain(t, open), 1)
}

func TestBroadcastPreservesOrderPerRecipient(t *testing.T) {
	h := newTestHub(t, Config{SendBufferSize: 256})
	c := connect(t, h, RoleConsumer, "")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h.Broadcaster().Telemetry(telemetryEvent("d1", w*100+i))
			}
		}(w)
	}
	wg.Wait()

	frames := drain(t, c)
	require.Len(t, frames, 100)

	// Each producer's sequence must arrive in the order it was broadcast
	last := map[int]float64{0: -1, 1: 99, 2: 199, 3: 299}
	for _, f := range frames {
		seq := f["seq"].(float64)
		w := int(seq) / 100
		assert.Greater(t, seq, last[w])
		last[w] = seq
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newTestHub(t, Config{SendBufferSize: 1, SlowClientStrikes: 3})

	// The confirmation frame stays queued, so the buffer is already full
	slow, err := h.Connect(RoleConsumer, "", nil)
	require.NoError(t, err)
	fast := connect(t, h, RoleConsumer, "")

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, h.Broadcaster().Telemetry(telemetryEvent("d1", i)))
		drain(t, fast)
	}

	assert.False(t, slow.IsOpen())
	assert.False(t, h.Registry().Contains(slow))
	assert.True(t, errors.Is(slow.Err(), ErrConnectionTerminated))
	assert.True(t, fast.IsOpen())
}

func TestSlowStrikesResetOnDelivery(t *testing.T) {
	h := newTestHub(t, Config{SendBufferSize: 1, SlowClientStrikes: 2})
	c, err := h.Connect(RoleConsumer, "", nil)
	require.NoError(t, err)

	h.Broadcaster().Telemetry(telemetryEvent("d1", 1))
	drain(t, c)
	h.Broadcaster().Telemetry(telemetryEvent("d1", 2))
	h.Broadcaster().Telemetry(telemetryEvent("d1", 3))

	assert.True(t, c.IsOpen())
	assert.Equal(t, int32(1), c.dropStrikes.Load())
}

func TestObserverTokens(t *testing.T) {
	h := newTestHub(t, Config{})
	b := h.Broadcaster()

	var mu sync.Mutex
	var seen []string
	token := b.Observe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type+":"+e.Device())
		mu.Unlock()
	})
	panicky := b.Observe(func(Event) { panic("observer bug") })

	b.Telemetry(telemetryEvent("d1", 1))
	b.Alarm(Event{Fields: map[string]json.RawMessage{"device": json.RawMessage(`"d2"`)}})

	assert.True(t, b.Revoke(token))
	assert.False(t, b.Revoke(token))
	assert.True(t, b.Revoke(panicky))

	b.Telemetry(telemetryEvent("d3", 2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"telemetry:d1", "alarm:d2"}, seen)
}
