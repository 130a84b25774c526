// Package relayclient is a WebSocket client for the telemetry relay.
//
// A Client connects as a producer or consumer and keeps the connection alive
// from Run, reconnecting with capped exponential backoff. Device subscriptions
// made through Subscribe are re-sent on every reconnect. Inbound frames are
// delivered to observers registered with Observe, SubscribeTelemetry or
// SubscribeAlarms; each registration returns a Token for Revoke.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client types accepted by the relay
const (
	ClientTypeProducer = "producer"
	ClientTypeConsumer = "consumer"
)

// Frame types delivered to observers
const (
	TypeTelemetry    = "telemetry"
	TypeAlarm        = "alarm"
	TypePong         = "pong"
	TypeConnection   = "connection"
	TypeSubscribed   = "subscription_confirmed"
	TypeUnsubscribed = "unsubscription_confirmed"
	TypeError        = "error"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	writeWait         = 5 * time.Second
)

var (
	// ErrNotConnected is returned by senders while no connection is open
	ErrNotConnected = errors.New("relayclient: not connected")
	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("relayclient: client closed")
)

// Options configures a Client
type Options struct {
	URL        string // ws://host:port/ws
	ClientType string // producer or consumer (default consumer)
	DeviceID   string // consumer: initial filter; producer: bound device

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Message is one frame received from the relay
type Message struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode unmarshals the full frame into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Token identifies an observer registration
type Token uint64

type observer struct {
	msgType string // empty matches every frame
	fn      func(Message)
}

// Client is safe for concurrent use
type Client struct {
	opts   Options
	url    string
	logger zerolog.Logger

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	connID string

	connected atomic.Bool
	running   atomic.Bool

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	observersMu sync.RWMutex
	nextToken   Token
	observers   map[Token]observer

	closeOnce sync.Once
	closed    chan struct{}
}

// New validates opts and returns an unconnected client. Call Run to connect.
func New(opts Options) (*Client, error) {
	if opts.ClientType == "" {
		opts.ClientType = ClientTypeConsumer
	}
	if opts.ClientType != ClientTypeProducer && opts.ClientType != ClientTypeConsumer {
		return nil, fmt.Errorf("relayclient: invalid client type %q", opts.ClientType)
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("relayclient: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relayclient: url scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("clientType", opts.ClientType)
	if opts.DeviceID != "" {
		q.Set("deviceId", opts.DeviceID)
	}
	u.RawQuery = q.Encode()

	return &Client{
		opts:          opts,
		url:           u.String(),
		logger:        opts.Logger.With().Str("component", "relayclient").Logger(),
		subscriptions: make(map[string]struct{}),
		observers:     make(map[Token]observer),
		closed:        make(chan struct{}),
	}, nil
}

// Run connects and keeps the client connected until ctx is cancelled or
// Close is called. It returns the reason it stopped.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("relayclient: already running")
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("Dial failed")
		}

		if err := c.stopReason(ctx); err != nil {
			return err
		}

		delay := backoff(c.opts.MinBackoff, c.opts.MaxBackoff, attempt)
		attempt++
		c.logger.Debug().Dur("delay", delay).Msg("Reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.stopReason(ctx)
		case <-timer.C:
		}
	}
}

func (c *Client) stopReason(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

// backoff returns base * 2^attempt, capped at limit
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
}

// serve owns one connection until it fails or ctx is done
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.mu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	for _, deviceID := range c.Subscriptions() {
		if err := c.writeOn(conn, subscriptionFrame{Type: "subscribe", DeviceID: deviceID}); err != nil {
			c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Resubscribe failed")
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Connection lost")
			break
		}
		c.handle(data)
	}

	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	c.connID = ""
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("Dropping undecodable frame")
		return
	}
	msg.Raw = append(json.RawMessage(nil), data...)

	if msg.Type == TypeConnection {
		var confirmation struct {
			ConnID string `json:"connId"`
		}
		_ = json.Unmarshal(data, &confirmation)
		c.mu.Lock()
		c.connID = confirmation.ConnID
		c.mu.Unlock()
		c.connected.Store(true)
	}

	c.observersMu.RLock()
	fns := make([]func(Message), 0, len(c.observers))
	for _, tok := range c.tokensLocked() {
		o := c.observers[tok]
		if o.msgType == "" || o.msgType == msg.Type {
			fns = append(fns, o.fn)
		}
	}
	c.observersMu.RUnlock()

	for _, fn := range fns {
		c.call(fn, msg)
	}
}

func (c *Client) call(fn func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("type", msg.Type).
				Msg("Observer panicked")
		}
	}()
	fn(msg)
}

// tokensLocked returns registration order. Caller holds observersMu.
func (c *Client) tokensLocked() []Token {
	tokens := make([]Token, 0, len(c.observers))
	for tok := range c.observers {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Observe registers fn for frames of msgType ("" for every frame). fn runs on
// the read goroutine and must not block.
func (c *Client) Observe(msgType string, fn func(Message)) Token {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.nextToken++
	c.observers[c.nextToken] = observer{msgType: msgType, fn: fn}
	return c.nextToken
}

// SubscribeTelemetry observes telemetry frames
func (c *Client) SubscribeTelemetry(fn func(Message)) Token {
	return c.Observe(TypeTelemetry, fn)
}

// SubscribeAlarms observes alarm frames
func (c *Client) SubscribeAlarms(fn func(Message)) Token {
	return c.Observe(TypeAlarm, fn)
}

// Revoke removes an observer. Returns false if t is unknown.
func (c *Client) Revoke(t Token) bool {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	if _, ok := c.observers[t]; !ok {
		return false
	}
	delete(c.observers, t)
	return true
}

type subscriptionFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// Subscribe asks the relay for deviceID's telemetry. The subscription is kept
// across reconnects; while disconnected it is sent on the next connect.
func (c *Client) Subscribe(deviceID string) error {
	if deviceID == "" {
		return errors.New("relayclient: device id required")
	}
	c.subsMu.Lock()
	c.subscriptions[deviceID] = struct{}{}
	c.subsMu.Unlock()

	err := c.write(subscriptionFrame{Type: "subscribe", DeviceID: deviceID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe drops a subscription made with Subscribe
func (c *Client) Unsubscribe(deviceID string) error {
	c.subsMu.Lock()
	delete(c.subscriptions, deviceID)
	c.subsMu.Unlock()

	err := c.write(subscriptionFrame{Type: "unsubscribe", DeviceID: deviceID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Subscriptions returns the devices re-sent on reconnect, sorted
func (c *Client) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	devices := make([]string, 0, len(c.subscriptions))
	for d := range c.subscriptions {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// Ping sends an application-level ping; the reply arrives as a pong frame
func (c *Client) Ping() error {
	return c.write(map[string]string{"type": "ping"})
}

// SendTelemetry publishes a reading for deviceID. fields must not use the
// keys type, deviceId or timestamp.
func (c *Client) SendTelemetry(deviceID string, fields map[string]any) error {
	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = TypeTelemetry
	if deviceID != "" {
		frame["deviceId"] = deviceID
	}
	return c.write(frame)
}

// SendAlarm publishes a batch of alerts raised for device
func (c *Client) SendAlarm(device string, alerts []any) error {
	frame := map[string]any{
		"type":   TypeAlarm,
		"alerts": alerts,
	}
	if device != "" {
		frame["device"] = device
	}
	return c.write(frame)
}

func (c *Client) write(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeOn(conn, v)
}

func (c *Client) writeOn(conn *websocket.Conn, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Connected reports whether the relay has confirmed the current connection
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ConnID returns the relay-assigned id of the current connection, or ""
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Close stops Run and closes the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}
