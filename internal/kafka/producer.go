package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes ledger notifications, one topic per notification type.
type Producer struct {
	Writer MessageWriter
	Topics config.TopicConfig
	Logger *logger.Logger
}

// NewProducer builds an async writer: WriteMessages returns at once and
// delivery errors are reported through the logger.
func NewProducer(brokers []string, topics config.TopicConfig, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("KAFKA", fmt.Sprintf("Failed to deliver %d notification(s): %v", len(messages), err))
			}
		},
	}
	return &Producer{Writer: writer, Topics: topics, Logger: log}
}

func (p *Producer) topicFor(kind models.NotificationType) string {
	switch kind {
	case models.NotificationEventCreated:
		return p.Topics.EventCreated
	case models.NotificationEventCanceled:
		return p.Topics.EventCanceled
	case models.NotificationPurchase:
		return p.Topics.Purchase
	case models.NotificationTicketTransferred:
		return p.Topics.TicketTransferred
	case models.NotificationWithdrawn:
		return p.Topics.Withdrawn
	default:
		return ""
	}
}

// Publish encodes n and hands it to the writer. Messages are keyed by event id
// so every notification of one event lands on the same partition.
func (p *Producer) Publish(ctx context.Context, n models.Notification) error {
	topic := p.topicFor(n.Type)
	if topic == "" {
		return fmt.Errorf("no topic configured for notification type %q", n.Type)
	}

	msgBytes, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatInt(int64(n.EventID), 10)),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
}

// Notify is the fire-and-forget form of Publish used by the ledger.
func (p *Producer) Notify(ctx context.Context, n models.Notification) {
	if err := p.Publish(context.WithoutCancel(ctx), n); err != nil {
		p.Logger.Error("KAFKA", fmt.Sprintf("Publish %s for event %d failed: %v", n.Type, n.EventID, err))
		return
	}
	p.Logger.LogKafka("PUBLISH", p.topicFor(n.Type), fmt.Sprintf("%s event=%d", n.Type, n.EventID))
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
