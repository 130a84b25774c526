package relay

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/rs/zerolog"
)

// TerminateFunc closes a connection on the server's initiative and records why
type TerminateFunc func(c *Conn, reason string)

// Token identifies an observer registration. Revoke it to stop notifications.
type Token uint64

// Broadcaster fans telemetry and alarm events out to consumers.
//
// Each event is serialized once and the same bytes are queued on every
// recipient. Queuing never blocks: a recipient whose queue is full is skipped,
// and after SlowClientStrikes consecutive skips it is terminated so one stalled
// dashboard cannot hold memory for everyone else.
//
// Calls are serialized, so two broadcasts reach every common recipient in
// invocation order.
type Broadcaster struct {
	registry  *Registry
	index     *SubscriptionIndex
	strikes   int32
	terminate TerminateFunc
	logger    zerolog.Logger

	mu sync.Mutex

	observersMu sync.RWMutex
	nextToken   Token
	observers   map[Token]func(Event)
	order       []Token
}

// NewBroadcaster creates a broadcaster. slowClientStrikes <= 0 never disconnects slow consumers.
func NewBroadcaster(registry *Registry, index *SubscriptionIndex, slowClientStrikes int, terminate TerminateFunc, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		index:     index,
		strikes:   int32(slowClientStrikes),
		terminate: terminate,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		observers: make(map[Token]func(Event)),
	}
}

// Telemetry delivers e to every subscriber of e.DeviceID and to every consumer
// with no subscriptions. Each recipient receives it at most once.
// Returns the number of successful deliveries.
func (b *Broadcaster) Telemetry(e Event) int {
	e.Type = TypeTelemetry
	return b.broadcast(e, func() []*Conn {
		return b.index.TelemetryRecipients(e.DeviceID, b.registry.Consumers())
	})
}

// Alarm delivers e to every consumer regardless of subscriptions.
// Returns the number of successful deliveries.
func (b *Broadcaster) Alarm(e Event) int {
	e.Type = TypeAlarm
	return b.broadcast(e, b.registry.Consumers)
}

func (b *Broadcaster) broadcast(e Event, recipients func() []*Conn) int {
	b.mu.Lock()

	// Serialize once for all recipients
	data, err := json.Marshal(e)
	if err != nil {
		b.mu.Unlock()
		b.logger.Error().
			Err(err).
			Str("type", e.Type).
			Str("device_id", e.DeviceID).
			Msg("Failed to serialize event, broadcast skipped")
		return 0
	}

	delivered := 0
	var slow []*Conn
	for _, c := range recipients() {
		if b.deliver(c, data, e.Type) {
			delivered++
		} else if b.isSlow(c) {
			slow = append(slow, c)
		}
	}

	b.notify(e)
	b.mu.Unlock()

	monitoring.RecordBroadcast(e.Type, delivered)
	b.logger.Debug().
		Str("type", e.Type).
		Str("device_id", e.DeviceID).
		Int("delivered", delivered).
		Msg("Broadcast")

	// Terminated outside the lock: terminate reaches into the registry.
	for _, c := range slow {
		b.logger.Warn().
			Str("conn_id", c.ID()).
			Int32("consecutive_drops", c.dropStrikes.Load()).
			Int("pending", c.Pending()).
			Msg("Disconnecting slow consumer")
		monitoring.IncrementSlowClientDisconnects()
		b.terminate(c, monitoring.DisconnectReasonSlowClient)
	}
	return delivered
}

func (b *Broadcaster) deliver(c *Conn, data []byte, kind string) bool {
	err := c.Send(data)
	if err == nil {
		c.dropStrikes.Store(0)
		c.slowWarned.Store(false)
		return true
	}

	if errors.Is(err, errBufferFull) {
		monitoring.RecordDroppedDelivery(kind, monitoring.DropReasonBufferFull)
		strikes := c.dropStrikes.Add(1)
		if strikes == 1 && c.slowWarned.CompareAndSwap(false, true) {
			b.logger.Warn().
				Str("conn_id", c.ID()).
				Int("pending", c.Pending()).
				Msg("Consumer is slow, delivery skipped")
		}
		return false
	}

	monitoring.RecordDroppedDelivery(kind, monitoring.DropReasonClosed)
	return false
}

func (b *Broadcaster) isSlow(c *Conn) bool {
	return b.strikes > 0 && c.IsOpen() && c.dropStrikes.Load() >= b.strikes
}

// Observe registers fn to be called with every broadcast event, after fan-out
// and in broadcast order. fn runs on the broadcasting goroutine and must not
// block or broadcast.
func (b *Broadcaster) Observe(fn func(Event)) Token {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	b.nextToken++
	b.observers[b.nextToken] = fn
	b.order = append(b.order, b.nextToken)
	return b.nextToken
}

// Revoke removes an observer. Returns false if the token is unknown.
func (b *Broadcaster) Revoke(t Token) bool {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	if _, ok := b.observers[t]; !ok {
		return false
	}
	delete(b.observers, t)
	for i, tok := range b.order {
		if tok == t {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

func (b *Broadcaster) notify(e Event) {
	b.observersMu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, t := range b.order {
		fns = append(fns, b.observers[t])
	}
	b.observersMu.RUnlock()

	for _, fn := range fns {
		b.callObserver(fn, e)
	}
}

func (b *Broadcaster) callObserver(fn func(Event), e Event) {
	defer monitoring.RecoverPanic(b.logger, "broadcast_observer", map[string]any{"type": e.Type})
	fn(e.Clone())
}
