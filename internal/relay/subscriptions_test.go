package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeReturnsCount(t *testing.T) {
	assert := assert.New(t)
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)
	b := NewConn(RoleConsumer, "", 1, nil)

	assert.Equal(1, idx.Subscribe("d1", a))
	assert.Equal(1, idx.Subscribe("d1", a), "subscribe is idempotent")
	assert.Equal(2, idx.Subscribe("d1", b))
	assert.Equal(0, idx.Subscribe("", a))

	assert.ElementsMatch([]*Conn{a, b}, idx.SubscribersOf("d1"))
	assert.True(idx.IsSubscribed(a))
	assert.Empty(idx.SubscribersOf("unknown"))
}

func TestMultiMembership(t *testing.T) {
	assert := assert.New(t)
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)

	idx.Subscribe("d1", a)
	idx.Subscribe("d2", a)
	assert.Equal([]string{"d1", "d2"}, idx.DevicesOf(a))

	assert.Equal(0, idx.Unsubscribe("d1", a))
	assert.Equal([]string{"d2"}, idx.Devices())
	assert.True(idx.IsSubscribed(a))

	idx.Unsubscribe("d2", a)
	assert.False(idx.IsSubscribed(a))
	assert.Empty(idx.Devices())
}

func TestUnsubscribeAllRemovesEmptySets(t *testing.T) {
	assert := assert.New(t)
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)
	b := NewConn(RoleConsumer, "", 1, nil)

	idx.Subscribe("d1", a)
	idx.Subscribe("d2", a)
	idx.Subscribe("d2", b)

	assert.Equal([]string{"d1", "d2"}, idx.UnsubscribeAll(a))

	// d1 had a as its only member and must be gone; d2 keeps b
	assert.Equal([]string{"d2"}, idx.Devices())
	assert.Equal([]*Conn{b}, idx.SubscribersOf("d2"))
	assert.False(idx.IsSubscribed(a))
	assert.Nil(idx.UnsubscribeAll(a))
}

func TestSnapshotIsImmutable(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)
	b := NewConn(RoleConsumer, "", 1, nil)

	idx.Subscribe("d1", a)
	snap := idx.SubscribersOf("d1")
	idx.Subscribe("d1", b)
	idx.Unsubscribe("d1", a)

	assert.Equal(t, []*Conn{a}, snap)
	assert.Equal(t, []*Conn{b}, idx.SubscribersOf("d1"))
}

func TestSubscribeClosedConnIsIgnored(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)
	_ = a.Close()

	assert.Equal(t, 0, idx.Subscribe("d1", a))
	assert.False(t, idx.IsSubscribed(a))
	assert.Empty(t, idx.Devices())
}

func TestTelemetryRecipients(t *testing.T) {
	idx := NewSubscriptionIndex()
	a := NewConn(RoleConsumer, "", 1, nil)
	b := NewConn(RoleConsumer, "", 1, nil)
	other := NewConn(RoleConsumer, "", 1, nil)
	idx.Subscribe("d1", a)
	idx.Subscribe("d2", other)

	assert.Equal(t, []*Conn{a, b}, idx.TelemetryRecipients("d1", []*Conn{a, b, other}))
	assert.Equal(t, []*Conn{b}, idx.TelemetryRecipients("", []*Conn{a, b, other}))
	assert.Equal(t, []*Conn{b}, idx.TelemetryRecipients("d9", []*Conn{a, b, other}))
}

func TestSubscriptionIndexConcurrent(t *testing.T) {
	idx := NewSubscriptionIndex()
	conns := make([]*Conn, 32)
	for i := range conns {
		conns[i] = NewConn(RoleConsumer, "", 1, nil)
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				device := fmt.Sprintf("d%d", j%4)
				idx.Subscribe(device, c)
				_ = idx.SubscribersOf(device)
				_ = idx.IsSubscribed(c)
				if j%7 == i%7 {
					idx.UnsubscribeAll(c)
				}
			}
			idx.UnsubscribeAll(c)
		}(i, c)
	}
	wg.Wait()

	assert.Empty(t, idx.Devices())
	for _, c := range conns {
		assert.False(t, idx.IsSubscribed(c))
	}
}
