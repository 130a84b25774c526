package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka/Redpanda bridge
type KafkaConfig struct {
	Brokers        []string
	ConsumerGroup  string
	TelemetryTopic string
	AlarmTopic     string
}

// KafkaBridge consumes the telemetry and alarm topics. The record key is the
// device id; the topic decides the event kind.
type KafkaBridge struct {
	client     *kgo.Client
	topics     map[string]string // topic → event kind
	sink       Sink
	dispatcher *Dispatcher
	logger     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	messagesProcessed uint64
	messagesFailed    uint64
}

// NewKafkaBridge creates the client. Consumption begins at Start.
func NewKafkaBridge(config KafkaConfig, sink Sink, dispatcher *Dispatcher, logger zerolog.Logger) (*KafkaBridge, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	topics := make(map[string]string)
	if config.TelemetryTopic != "" {
		topics[config.TelemetryTopic] = relay.TypeTelemetry
	}
	if config.AlarmTopic != "" {
		topics[config.AlarmTopic] = relay.TypeAlarm
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	names := make([]string, 0, len(topics))
	for topic := range topics {
		names = append(names, topic)
	}

	log := logger.With().Str("component", "kafka_bridge").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.ConsumerGroup),
		kgo.ConsumeTopics(names...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // Live relay: start from latest
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaBridge{
		client:     client,
		topics:     topics,
		sink:       sink,
		dispatcher: dispatcher,
		logger:     log,
	}, nil
}

// Start launches the poll loop
func (b *KafkaBridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.consumeLoop(ctx)
	b.logger.Info().Interface("topics", b.topics).Msg("Kafka bridge started")
}

// Stop ends the poll loop and closes the client
func (b *KafkaBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.client != nil {
		b.client.Close()
	}

	b.mu.Lock()
	processed, failed := b.messagesProcessed, b.messagesFailed
	b.mu.Unlock()
	b.logger.Info().
		Uint64("messages_processed", processed).
		Uint64("messages_failed", failed).
		Msg("Kafka bridge stopped")
}

func (b *KafkaBridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "kafka_consume_loop", nil)

	for {
		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})

		fetches.EachRecord(b.handleRecord)
	}
}

func (b *KafkaBridge) handleRecord(record *kgo.Record) {
	kind, ok := b.topics[record.Topic]
	if !ok {
		return
	}

	e, err := Decode(kind, string(record.Key), record.Value, time.Now())
	if err != nil {
		b.countFailed()
		monitoring.RecordIngest(SourceKafka, monitoring.IngestOutcomeInvalid)
		b.logger.Warn().
			Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("Dropping undecodable record")
		return
	}

	if submit(b.dispatcher, b.sink, SourceKafka, e) {
		b.countProcessed()
	} else {
		b.countFailed()
	}
}

func (b *KafkaBridge) countProcessed() {
	b.mu.Lock()
	b.messagesProcessed++
	b.mu.Unlock()
}

func (b *KafkaBridge) countFailed() {
	b.mu.Lock()
	b.messagesFailed++
	b.mu.Unlock()
}

// Stats returns processed and failed record counts
func (b *KafkaBridge) Stats() (processed, failed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messagesProcessed, b.messagesFailed
}
