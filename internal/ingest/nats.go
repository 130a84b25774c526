package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS bridge
type NATSConfig struct {
	URL           string
	SubjectPrefix string // Subjects are <prefix>.telemetry[.<device>] and <prefix>.alarms[.<device>]
	Name          string
	ConnectWait   time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATSBridge subscribes to telemetry and alarm subjects and relays what arrives
type NATSBridge struct {
	config     NATSConfig
	sink       Sink
	dispatcher *Dispatcher
	logger     zerolog.Logger

	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewNATSBridge creates a bridge. Nothing connects until Start.
func NewNATSBridge(config NATSConfig, sink Sink, dispatcher *Dispatcher, logger zerolog.Logger) *NATSBridge {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "relay"
	}
	if config.Name == "" {
		config.Name = "telemetry-relay"
	}
	if config.ConnectWait == 0 {
		config.ConnectWait = 5 * time.Second
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	return &NATSBridge{
		config:     config,
		sink:       sink,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "nats_bridge").Str("url", config.URL).Logger(),
	}
}

// Subjects returns the subscriptions the bridge makes
func (b *NATSBridge) Subjects() []string {
	p := b.config.SubjectPrefix
	return []string{
		p + ".telemetry",
		p + ".telemetry.>",
		p + ".alarms",
		p + ".alarms.>",
	}
}

// Start connects and subscribes
func (b *NATSBridge) Start() error {
	nc, err := nats.Connect(
		b.config.URL,
		nats.Name(b.config.Name),
		nats.Timeout(b.config.ConnectWait),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("server", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.nc = nc

	for _, subject := range b.Subjects() {
		sub, err := nc.Subscribe(subject, b.handle)
		if err != nil {
			b.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info().
		Strs("subjects", b.Subjects()).
		Msg("NATS bridge started")
	return nil
}

// Stop unsubscribes and closes the connection
func (b *NATSBridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Str("subject", sub.Subject).Msg("Unsubscribe failed")
		}
	}
	b.subs = nil
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
	}
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	kind, device, ok := parseSubject(b.config.SubjectPrefix, msg.Subject)
	if !ok {
		monitoring.RecordIngest(SourceNATS, monitoring.IngestOutcomeInvalid)
		b.logger.Debug().Str("subject", msg.Subject).Msg("Ignoring message on unexpected subject")
		return
	}

	e, err := Decode(kind, device, msg.Data, time.Now())
	if err != nil {
		monitoring.RecordIngest(SourceNATS, monitoring.IngestOutcomeInvalid)
		b.logger.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Int("size", len(msg.Data)).
			Msg("Dropping undecodable message")
		return
	}

	submit(b.dispatcher, b.sink, SourceNATS, e)
}

// parseSubject splits <prefix>.<telemetry|alarms>[.<device...>]. The device
// may itself contain dots.
func parseSubject(prefix, subject string) (kind, device string, ok bool) {
	rest, found := strings.CutPrefix(subject, prefix+".")
	if !found {
		return "", "", false
	}
	head, device, _ := strings.Cut(rest, ".")
	switch head {
	case "telemetry":
		return relay.TypeTelemetry, device, true
	case "alarms":
		return relay.TypeAlarm, device, true
	default:
		return "", "", false
	}
}
