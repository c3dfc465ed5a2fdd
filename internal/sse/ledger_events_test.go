package sse

import (
	"context"
	"testing"
	"time"

	"ticket-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify_ReachesOnlyEventSubscribers(t *testing.T) {
	e := NewLedgerEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := e.SubscribeToEvent(ctx, 1)
	second := e.SubscribeToEvent(ctx, 2)
	assert.Equal(t, 1, e.GetEventClientCount(1))

	e.Notify(context.Background(), models.NewNotification(models.NotificationPurchase, 1))

	select {
	case n := <-first:
		assert.Equal(t, models.NotificationPurchase, n.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber of event 1 got nothing")
	}

	select {
	case n := <-second:
		t.Fatalf("subscriber of event 2 got %v", n)
	default:
	}
}

func TestNotify_DropsWhenClientIsSlow(t *testing.T) {
	e := NewLedgerEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.SubscribeToEvent(ctx, 1)

	for i := 0; i < clientBuffer+5; i++ {
		e.Notify(context.Background(), models.NewNotification(models.NotificationPurchase, 1))
	}
	assert.Len(t, ch, clientBuffer)
}

func TestSubscribe_ClosedOnCancel(t *testing.T) {
	e := NewLedgerEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	ch := e.SubscribeToEvent(ctx, 5)

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, e.GetEventClientCount(5))

	// notifying after the last client left is a no-op
	e.Notify(context.Background(), models.NewNotification(models.NotificationWithdrawn, 5))
}
