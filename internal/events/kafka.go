package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/clubcore-io/clubcore/internal/config"
)

// DefaultTopic is the audit stream topic when CLUBCORE_KAFKA_TOPIC is unset.
const DefaultTopic = "clubcore.audit"

// publishBatchTimeout caps how long a message sits in the writer's batch
// buffer. The default (1s) is tuned for throughput; audit events are
// published from the request path and should not idle that long.
const publishBatchTimeout = 50 * time.Millisecond

// KafkaConfig holds broker connection settings for the audit stream.
type KafkaConfig struct {
	Brokers []string // Empty: publishing disabled, use NopPublisher
	Topic   string   // Default: clubcore.audit
}

// LoadKafkaConfig loads Kafka settings from environment variables.
// CLUBCORE_KAFKA_BROKERS is a comma-separated broker list; leaving it unset
// disables publishing.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("CLUBCORE_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("CLUBCORE_KAFKA_TOPIC", DefaultTopic),
	}
}

// Enabled reports whether a broker list was configured.
func (c *KafkaConfig) Enabled() bool {
	return c != nil && len(c.Brokers) > 0
}

// KafkaPublisher implements Publisher on a kafka-go Writer.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher writing to the configured topic.
// The LeastBytes balancer spreads events across partitions by load; audit
// consumers order by recorded_at from the store, not by partition offset.
func NewKafkaPublisher(cfg *KafkaConfig) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: publishBatchTimeout,
		RequiredAcks: kafka.RequireOne,
		// Topics are provisioned by ops in production; auto-creation keeps
		// local compose and testcontainer setups zero-config.
		AllowAutoTopicCreation: true,
	}

	return &KafkaPublisher{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Publish sends one event to the audit topic. The message key is the
// entity reference so consumers can group an entity's history; the
// correlation ID travels as a header for consumers that trace without
// decoding the payload.
func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.EntityType + ":" + event.EntityID),
		Value: value,
		Time:  event.OccurredAt,
	}

	if event.CorrelationID != "" {
		message.Headers = append(message.Headers, kafka.Header{
			Key:   "correlation_id",
			Value: []byte(event.CorrelationID),
		})
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	return nil
}

// Close flushes buffered messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}

	return nil
}

// Compile-time interface compliance check
var _ Publisher = (*KafkaPublisher)(nil)
