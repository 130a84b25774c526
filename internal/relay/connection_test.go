package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	assert := assert.New(t)

	role, err := ParseRole("")
	assert.NoError(err)
	assert.Equal(RoleConsumer, role)

	role, err = ParseRole("producer")
	assert.NoError(err)
	assert.Equal(RoleProducer, role)

	_, err = ParseRole("admin")
	assert.Error(err)
}

func TestConnSendAndClose(t *testing.T) {
	assert := assert.New(t)
	closer := &closeCounter{}

	c := NewConn(RoleConsumer, "", 2, closer)
	assert.True(c.IsOpen())
	assert.NoError(c.Err())

	assert.NoError(c.Send([]byte("a")))
	assert.NoError(c.Send([]byte("b")))
	err := c.Send([]byte("c"))
	assert.True(errors.Is(err, ErrDeliveryFailure))
	assert.Equal(2, c.Pending())

	assert.NoError(c.Close())
	assert.NoError(c.Close())
	assert.Equal(1, closer.n)
	assert.False(c.IsOpen())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}

	err = c.Send([]byte("d"))
	assert.True(errors.Is(err, ErrDeliveryFailure))
	assert.False(errors.Is(c.Err(), ErrConnectionTerminated))
}

func TestConnTerminatedReason(t *testing.T) {
	c := NewConn(RoleConsumer, "", 1, nil)
	_ = c.closeWithReason("liveness_deadline")

	err := c.Err()
	assert.True(t, errors.Is(err, ErrConnectionTerminated))
	assert.Contains(t, err.Error(), "liveness_deadline")
}

func TestConnProbeCoalesces(t *testing.T) {
	assert := assert.New(t)
	c := NewConn(RoleConsumer, "", 1, nil)

	assert.True(c.Probe())
	assert.False(c.Probe())
	<-c.Probes()
	assert.True(c.Probe())

	_ = c.Close()
	<-c.Probes()
	assert.False(c.Probe())
}

func TestConnTouchIsMonotonic(t *testing.T) {
	c := NewConn(RoleConsumer, "", 1, nil)
	later := time.Now().Add(time.Minute)

	c.TouchAt(later)
	c.TouchAt(later.Add(-time.Hour))
	assert.True(t, c.LastActivity().Equal(later))
}
