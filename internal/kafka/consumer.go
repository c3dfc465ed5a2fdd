package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader MessageReader
	log    *logger.Logger
}

// NewConsumer reads ledger notifications from the given topics as part of
// consumer group groupID.
func NewConsumer(brokers []string, topics []string, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
	})
	return &Consumer{reader: reader, log: log}
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader MessageReader, log *logger.Logger) *Consumer {
	return &Consumer{reader: reader, log: log}
}

// Start hands every decoded notification to handler until ctx is done.
// Undecodable messages are logged and skipped.
func (c *Consumer) Start(ctx context.Context, handler func(models.Notification)) error {
	c.log.Info("KAFKA", "Notification consumer started")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read notification: %w", err)
		}

		var n models.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Skipping undecodable message on %s at offset %d: %v", msg.Topic, msg.Offset, err))
			continue
		}

		handler(n)
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
