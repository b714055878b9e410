package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
)

func init() {
	Register("kafka", func(config cfg.SinkConfiguration) (Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers, config.Topic)
		if config.BatchTimeoutMS > 0 {
			kafkaConfig.BatchTimeout = time.Duration(config.BatchTimeoutMS) * time.Millisecond
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink writes outputs to a Kafka topic keyed by output key. With a
// compacted topic the latest value per key is what survives, which matches
// the upsert contract.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Destination topic
	BatchSize        int                // Messages per batch (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	BatchTimeout     time.Duration      // Max wait before flushing a partial batch
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create the topic if it doesn't exist
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

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
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
		Balancer:               &kafka.Hash{}, // Same key, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Put returns only once the write is acknowledged
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, topic: config.Topic}, nil
}

// Put writes one message. A nil value is a tombstone.
func (k *KafkaSink) Put(ctx context.Context, key string, value []byte) error {
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s to kafka topic %s: %w", key, k.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
