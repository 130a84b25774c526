package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:              "127.0.0.1:0",
		MaxConnections:    16,
		SendBufferSize:    64,
		SlowClientStrikes: 3,
		MetricsInterval:   time.Hour,
		LogLevel:          types.LogLevelError,
		LogFormat:         types.LogFormatJSON,
	}
}

func newTestServer(t *testing.T, mutate func(*types.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.StartBackground())

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown()
		ts.Close()
	})
	return s, ts
}

// dial opens a client and consumes its connection confirmation
func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	confirmation := readFrame(t, ws)
	require.Equal(t, "connection", confirmation["type"])
	require.Equal(t, "connected", confirmation["status"])
	require.NotEmpty(t, confirmation["connId"])
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame), string(data))
	return frame
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestTelemetryFanOutOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t, nil)

	producer := dial(t, ts, "clientType=producer")
	filtered := dial(t, ts, "clientType=consumer&deviceId=d1")
	unfiltered := dial(t, ts, "clientType=consumer")

	send(t, producer, `{"type":"telemetry","deviceId":"d1","temperature":70,"humidity":40}`)
	for _, ws := range []*websocket.Conn{filtered, unfiltered} {
		frame := readFrame(t, ws)
		assert.Equal(t, "telemetry", frame["type"])
		assert.Equal(t, "d1", frame["deviceId"])
		assert.Equal(t, float64(70), frame["temperature"])
		assert.NotEmpty(t, frame["timestamp"])
	}

	// d2 only reaches the unfiltered consumer; the alarm reaches both, so it is
	// the next frame the filtered consumer sees.
	send(t, producer, `{"type":"telemetry","deviceId":"d2","temperature":10}`)
	send(t, producer, `{"type":"alarm","device":"d2","alerts":[{"level":"high"}]}`)

	frame := readFrame(t, unfiltered)
	assert.Equal(t, "telemetry", frame["type"])
	assert.Equal(t, "d2", frame["deviceId"])
	assert.Equal(t, "alarm", readFrame(t, unfiltered)["type"])

	frame = readFrame(t, filtered)
	assert.Equal(t, "alarm", frame["type"])
	assert.Equal(t, "d2", frame["device"])
}

func TestRejectsInvalidClientType(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientType=admin"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectsWhenAtCapacity(t *testing.T) {
	_, ts := newTestServer(t, func(c *types.ServerConfig) { c.MaxConnections = 1 })

	dial(t, ts, "clientType=consumer")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientType=consumer"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRejectsUnderResourcePressure(t *testing.T) {
	_, ts := newTestServer(t, func(c *types.ServerConfig) { c.MaxGoroutines = 1 })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientType=consumer"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPingAndMalformedFrames(t *testing.T) {
	s, ts := newTestServer(t, nil)
	client := dial(t, ts, "clientType=consumer")

	send(t, client, `not json`)
	send(t, client, `{"type":"subscribe"}`)
	send(t, client, `{"type":"ping"}`)

	frame := readFrame(t, client)
	assert.Equal(t, "pong", frame["type"], "malformed frames are dropped without a reply")
	assert.NotEmpty(t, frame["timestamp"])

	_, consumers := s.Hub().Registry().Counts()
	assert.Equal(t, 1, consumers)
}

func TestSubscribeOverWebSocket(t *testing.T) {
	s, ts := newTestServer(t, nil)
	client := dial(t, ts, "clientType=consumer")

	send(t, client, `{"type":"subscribe","deviceId":"d7"}`)
	frame := readFrame(t, client)
	assert.Equal(t, "subscription_confirmed", frame["type"])
	assert.Equal(t, "d7", frame["deviceId"])
	assert.Equal(t, float64(1), frame["subscriberCount"])
	assert.Equal(t, 1, s.Hub().Subscriptions().Count("d7"))

	send(t, client, `{"type":"unsubscribe","deviceId":"d7"}`)
	frame = readFrame(t, client)
	assert.Equal(t, "unsubscription_confirmed", frame["type"])
	assert.Equal(t, float64(0), frame["subscriberCount"])
}

func TestDisconnectPurgesSubscriptions(t *testing.T) {
	s, ts := newTestServer(t, nil)
	client := dial(t, ts, "clientType=consumer&deviceId=d3")
	require.Equal(t, 1, s.Hub().Subscriptions().Count("d3"))

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		_, consumers := s.Hub().Registry().Counts()
		return consumers == 0 && s.Hub().Subscriptions().Count("d3") == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLivenessReapsUnresponsiveClients(t *testing.T) {
	s, ts := newTestServer(t, func(c *types.ServerConfig) {
		c.SweepInterval = 50 * time.Millisecond
		c.LivenessDeadline = 300 * time.Millisecond
	})

	// gorilla answers pings only while a read is in progress
	responsive := dial(t, ts, "clientType=consumer")
	require.NoError(t, responsive.SetReadDeadline(time.Time{}))
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	dial(t, ts, "clientType=consumer")

	require.Eventually(t, func() bool {
		_, consumers := s.Hub().Registry().Counts()
		return consumers == 1
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(400 * time.Millisecond)
	_, consumers := s.Hub().Registry().Counts()
	assert.Equal(t, 1, consumers, "client answering pings stays connected")

	responsive.Close()
	<-readerDone
}

func TestRESTPublishAndSnapshots(t *testing.T) {
	_, ts := newTestServer(t, nil)
	consumer := dial(t, ts, "clientType=consumer")

	resp, err := http.Post(ts.URL+"/api/telemetry", "application/json",
		strings.NewReader(`{"deviceId":"d9","temperature":21.5,"oilLevel":80}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["delivered"])

	frame := readFrame(t, consumer)
	assert.Equal(t, "telemetry", frame["type"])
	assert.Equal(t, "d9", frame["deviceId"])

	resp, err = http.Get(ts.URL + "/api/telemetry/d9/latest")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 21.5, body["temperature"])

	resp, err = http.Get(ts.URL + "/api/telemetry/unknown/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/telemetry/latest")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])
}

func TestRESTRejectsInvalidEvents(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"not json", "/api/telemetry", `{`},
		{"missing device", "/api/telemetry", `{"temperature":1}`},
		{"humidity out of range", "/api/telemetry", `{"deviceId":"d1","humidity":150}`},
		{"alarm without alerts", "/api/alarms", `{"device":"d1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.path, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			body := decodeBody(t, resp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRecentAlarmsAndConnections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	dial(t, ts, "clientType=consumer&deviceId=d1")
	dial(t, ts, "clientType=producer&deviceId=d1")

	resp, err := http.Post(ts.URL+"/api/alarms", "application/json",
		strings.NewReader(`{"device":"d1","alerts":[{"metric":"temperature","level":"critical"}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/alarms/recent")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp, err = http.Get(ts.URL + "/api/connections")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(1), body["producers"])
	assert.Equal(t, float64(1), body["consumers"])
	assert.Equal(t, []any{"d1"}, body["devices"])
	assert.Len(t, body["connections"], 2)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	dial(t, ts, "clientType=consumer")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	connections := body["connections"].(map[string]any)
	assert.Equal(t, float64(1), connections["consumers"])
	assert.Equal(t, float64(16), connections["max"])
}

func TestShutdownClosesClients(t *testing.T) {
	s, ts := newTestServer(t, nil)
	client := dial(t, ts, "clientType=consumer")

	require.NoError(t, s.Shutdown())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)

	_, consumers := s.Hub().Registry().Counts()
	assert.Zero(t, consumers)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewServerRequiresCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 0
	_, err := NewServer(cfg, zerolog.Nop())
	require.Error(t, err)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return body
}
