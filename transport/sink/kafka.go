package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/transport"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 1       // Relays write one event per call
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	transport.RegisterPublisher("kafka", func(config cfg.RelayConfiguration) (transport.Publisher, error) {
		return NewKafkaPublisher(DefaultKafkaConfig(config.Brokers, config.Topic))
	})
}

// KafkaConfig holds configuration for KafkaPublisher
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Destination topic
	BatchSize        int                // Batch size (default: 1)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	BatchTimeout     time.Duration      // Flush deadline for a partial batch (default: 10ms)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create the topic if missing
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string, topic string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		Topic:            topic,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaPublisher publishes events to a Kafka topic. Every message goes to
// the topic's first partition so consumers see the feed in relay order; the
// event key is kept on the message for deduplication.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous Kafka writer
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka relay requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka relay requires a topic")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               firstPartition{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // A failed write must end the session
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes one event
func (k *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// firstPartition routes every message to the lowest partition ID
type firstPartition struct{}

func (firstPartition) Balance(msg kafka.Message, partitions ...int) int {
	lowest := partitions[0]
	for _, p := range partitions[1:] {
		if p < lowest {
			lowest = p
		}
	}
	return lowest
}
