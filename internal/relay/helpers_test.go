package relay

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = 16
	}
	h := NewHub(cfg, nil, zerolog.Nop())
	t.Cleanup(func() { h.Shutdown() })
	return h
}

// drain returns every frame queued on c, decoded
func drain(t *testing.T, c *Conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data := <-c.Outbound():
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m), string(data))
			out = append(out, m)
		default:
			return out
		}
	}
}

// connect admits a connection and discards its confirmation frame
func connect(t *testing.T, h *Hub, role Role, deviceID string) *Conn {
	t.Helper()
	c, err := h.Connect(role, deviceID, nil)
	require.NoError(t, err)
	frames := drain(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, TypeConnection, frames[0]["type"])
	return c
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}
