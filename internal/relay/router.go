package relay

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/limits"
	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
)

// Router parses inbound client frames and dispatches them by type
type Router struct {
	registry    *Registry
	index       *SubscriptionIndex
	broadcaster *Broadcaster
	limiter     *limits.RateLimiter
	stats       *types.Stats
	logger      zerolog.Logger

	now func() time.Time
}

// NewRouter creates a router. limiter may be nil to disable inbound rate limiting.
func NewRouter(registry *Registry, index *SubscriptionIndex, broadcaster *Broadcaster, limiter *limits.RateLimiter, stats *types.Stats, logger zerolog.Logger) *Router {
	return &Router{
		registry:    registry,
		index:       index,
		broadcaster: broadcaster,
		limiter:     limiter,
		stats:       stats,
		logger:      logger.With().Str("component", "router").Logger(),
		now:         time.Now,
	}
}

// OnFrame handles one inbound text frame from c.
//
// Bad input never closes the connection: a malformed frame is logged, dropped
// and reported as ErrMalformedFrame; a panic while dispatching is recovered and
// reported as ErrDispatch. The returned error is informational.
func (r *Router) OnFrame(c *Conn, raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrDispatch, p)
			r.logger.Error().
				Str("conn_id", c.ID()).
				Interface("panic_value", p).
				Msg("Frame dispatch failed")
		}
	}()

	r.registry.Touch(c)
	if r.stats != nil {
		atomic.AddInt64(&r.stats.FramesReceived, 1)
		atomic.AddInt64(&r.stats.BytesReceived, int64(len(raw)))
	}

	if !r.limiter.CheckLimit(c.ID()) {
		monitoring.IncrementRateLimitedFrames()
		if r.stats != nil {
			atomic.AddInt64(&r.stats.RateLimitedFrames, 1)
		}
		r.logger.Debug().
			Str("conn_id", c.ID()).
			Msg("Frame dropped: rate limit exceeded")
		r.reply(c, encodeError(CodeRateLimitExceeded, "too many frames, slow down", r.now()))
		return nil
	}

	frame, err := ParseFrame(raw)
	if err != nil {
		monitoring.IncrementMalformedFrames()
		monitoring.RecordFrameReceived(frameLabelInvalid, len(raw))
		if r.stats != nil {
			atomic.AddInt64(&r.stats.MalformedFrames, 1)
		}
		r.logger.Warn().
			Str("conn_id", c.ID()).
			Err(err).
			Int("size", len(raw)).
			Msg("Client sent malformed frame")
		return err
	}
	monitoring.RecordFrameReceived(frameLabel(frame.Type), len(raw))

	switch frame.Type {
	case TypeTelemetry:
		r.handleTelemetry(c, frame)
	case TypeAlarm:
		r.handleAlarm(c, frame)
	case TypePing:
		r.reply(c, encodePong(r.now()))
	case TypeSubscribe:
		count := r.index.Subscribe(frame.DeviceID, c)
		r.logger.Info().
			Str("conn_id", c.ID()).
			Str("device_id", frame.DeviceID).
			Int("subscribers", count).
			Msg("Client subscribed")
		r.reply(c, encodeSubscriptionAck(TypeSubscribed, frame.DeviceID, count, r.now()))
	case TypeUnsubscribe:
		remaining := r.index.Unsubscribe(frame.DeviceID, c)
		r.logger.Info().
			Str("conn_id", c.ID()).
			Str("device_id", frame.DeviceID).
			Int("subscribers", remaining).
			Msg("Client unsubscribed")
		r.reply(c, encodeSubscriptionAck(TypeUnsubscribed, frame.DeviceID, remaining, r.now()))
	default:
		r.logger.Debug().
			Str("conn_id", c.ID()).
			Str("type", frame.Type).
			Msg("Unknown frame type ignored")
	}
	return nil
}

// Metric labels for frames outside the known types. The type comes from the
// client, so it is never used as a label value directly.
const (
	frameLabelUnknown = "unknown"
	frameLabelInvalid = "invalid"
)

func frameLabel(frameType string) string {
	switch frameType {
	case TypeTelemetry, TypeAlarm, TypePing, TypeSubscribe, TypeUnsubscribe:
		return frameType
	default:
		return frameLabelUnknown
	}
}

func (r *Router) handleTelemetry(c *Conn, frame InboundFrame) {
	e := frame.Event
	if e.DeviceID == "" && c.Role() == RoleProducer {
		e.DeviceID = c.DeviceID()
	}
	e.Stamp(r.now())

	delivered := r.broadcaster.Telemetry(e)
	r.logger.Debug().
		Str("conn_id", c.ID()).
		Str("device_id", e.DeviceID).
		Int("delivered", delivered).
		Msg("Telemetry relayed")
}

func (r *Router) handleAlarm(c *Conn, frame InboundFrame) {
	e := frame.Event
	e.Stamp(r.now())

	delivered := r.broadcaster.Alarm(e)
	r.logger.Info().
		Str("conn_id", c.ID()).
		Str("device", e.Device()).
		Int("delivered", delivered).
		Msg("Alarm relayed")
}

// Replies go to the sender only. A full queue drops the reply; the sender can retry.
func (r *Router) reply(c *Conn, data []byte) {
	if err := c.Send(data); err != nil {
		r.logger.Debug().
			Str("conn_id", c.ID()).
			Err(err).
			Msg("Reply dropped")
	}
}
