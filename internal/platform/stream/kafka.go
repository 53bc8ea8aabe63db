// Package stream publishes domain events to Kafka.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config holds producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	BatchTimeout time.Duration
}

// Publisher writes JSON messages to a single topic.
type Publisher struct {
	writer *kafka.Writer
	topic  string
	logger *slog.Logger
}

// NewPublisher returns nil when no brokers are configured.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		BatchTimeout:           batchTimeout,
	}
	logger.Info("kafka publisher ready", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))
	return &Publisher{writer: writer, topic: cfg.Topic, logger: logger}
}

// Publish encodes value as JSON and writes it keyed by key, so events for the
// same entity land on the same partition.
func (p *Publisher) Publish(ctx context.Context, key string, value any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("stream: marshal: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("stream: write %s: %w", p.topic, err)
	}
	p.logger.Debug("event published", slog.String("topic", p.topic), slog.String("key", key))
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
