package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func testTopics() config.TopicConfig {
	return config.TopicConfig{
		EventCreated:      "t.created",
		EventCanceled:     "t.canceled",
		Purchase:          "t.purchase",
		TicketTransferred: "t.transfer",
		Withdrawn:         "t.withdrawn",
	}
}

func TestPublish_RoutesByType(t *testing.T) {
	writer := &captureWriter{}
	p := &Producer{Writer: writer, Topics: testTopics(), Logger: logger.New(io.Discard)}

	cases := map[models.NotificationType]string{
		models.NotificationEventCreated:      "t.created",
		models.NotificationEventCanceled:     "t.canceled",
		models.NotificationPurchase:          "t.purchase",
		models.NotificationTicketTransferred: "t.transfer",
		models.NotificationWithdrawn:         "t.withdrawn",
	}
	for kind := range cases {
		require.NoError(t, p.Publish(context.Background(), models.NewNotification(kind, 7)))
	}

	require.Len(t, writer.msgs, len(cases))
	for _, msg := range writer.msgs {
		var n models.Notification
		require.NoError(t, json.Unmarshal(msg.Value, &n))
		assert.Equal(t, cases[n.Type], msg.Topic)
		assert.Equal(t, "7", string(msg.Key))
		assert.Equal(t, string(n.Type), string(msg.Headers[0].Value))
	}
}

func TestPublish_UnknownType(t *testing.T) {
	p := &Producer{Writer: &captureWriter{}, Topics: testTopics()}
	err := p.Publish(context.Background(), models.NewNotification("Refund", 1))
	assert.Error(t, err)
}

func TestNotify_SwallowsWriterErrors(t *testing.T) {
	writer := &captureWriter{err: errors.New("broker down")}
	p := &Producer{Writer: writer, Topics: testTopics(), Logger: logger.New(io.Discard)}

	assert.NotPanics(t, func() {
		p.Notify(context.Background(), models.NewNotification(models.NotificationPurchase, 1))
	})
}

type scriptedReader struct {
	msgs []kafka.Message
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *scriptedReader) Close() error { return nil }

func TestConsumer_DecodesAndSkipsGarbage(t *testing.T) {
	n := models.NewNotification(models.NotificationWithdrawn, 3)
	n.Amount = 200
	body, err := json.Marshal(n)
	require.NoError(t, err)

	reader := &scriptedReader{msgs: []kafka.Message{
		{Topic: "t.withdrawn", Value: []byte("{not json")},
		{Topic: "t.withdrawn", Value: body},
	}}
	c := NewConsumerWithReader(reader, logger.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	var got []models.Notification
	err = c.Start(ctx, func(n models.Notification) {
		got = append(got, n)
		cancel()
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(200), got[0].Amount)
	assert.Equal(t, models.EventID(3), got[0].EventID)
}
