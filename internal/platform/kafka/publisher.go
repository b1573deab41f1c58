// Package kafka forwards lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/phrazzld/relay-api/internal/events"
)

// Publisher is an events.EventHandler that produces each event to a topic,
// keyed by the event subject.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

var _ events.EventHandler = (*Publisher)(nil)

// NewProducerConfig returns the producer settings used for lifecycle events.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	return config
}

// Dial connects a synchronous producer to brokers.
func Dial(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewPublisher(p, topic, logger), nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(slog.String("component", "kafka_publisher")),
	}
}

// HandleEvent implements events.EventHandler.
func (p *Publisher) HandleEvent(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Subject),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("produce %s: %w", event.Type, err)
	}
	p.logger.DebugContext(ctx, "event published",
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", event.Type),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

// Close closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
