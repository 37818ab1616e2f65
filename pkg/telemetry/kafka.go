package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each reading as a JSON message keyed by sensor name.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a writer for cfg. Connections are opened lazily on
// the first write.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka: topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	return &KafkaSink{writer: w, topic: cfg.Topic}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, r Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	msg := kafka.Message{Key: []byte(r.Sensor), Value: data, Time: r.Timestamp}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
