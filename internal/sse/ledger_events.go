package sse

import (
	"context"
	"sync"

	"ticket-ledger/internal/models"
)

const clientBuffer = 16

// LedgerEventEmitter fans committed ledger notifications out to SSE clients
// subscribed to an event.
type LedgerEventEmitter struct {
	// key: eventID, value: client channels
	eventClients     map[models.EventID][]chan models.Notification
	eventClientMutex sync.RWMutex
}

func NewLedgerEventEmitter() *LedgerEventEmitter {
	return &LedgerEventEmitter{
		eventClients: make(map[models.EventID][]chan models.Notification),
	}
}

// SubscribeToEvent adds a client to the event's notifications. The channel is
// closed once ctx is done.
func (e *LedgerEventEmitter) SubscribeToEvent(ctx context.Context, eventID models.EventID) <-chan models.Notification {
	clientChan := make(chan models.Notification, clientBuffer)

	e.eventClientMutex.Lock()
	e.eventClients[eventID] = append(e.eventClients[eventID], clientChan)
	e.eventClientMutex.Unlock()

	go func() {
		<-ctx.Done()
		e.removeEventClient(eventID, clientChan)
	}()

	return clientChan
}

// Notify broadcasts n to every subscriber of its event. Slow clients whose
// buffer is full miss the notification rather than stall the ledger.
func (e *LedgerEventEmitter) Notify(ctx context.Context, n models.Notification) {
	e.eventClientMutex.RLock()
	defer e.eventClientMutex.RUnlock()

	for _, clientChan := range e.eventClients[n.EventID] {
		select {
		case clientChan <- n:
		default:
		}
	}
}

func (e *LedgerEventEmitter) removeEventClient(eventID models.EventID, clientChan chan models.Notification) {
	e.eventClientMutex.Lock()
	defer e.eventClientMutex.Unlock()

	clients := e.eventClients[eventID]
	for i, ch := range clients {
		if ch == clientChan {
			e.eventClients[eventID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	if len(e.eventClients[eventID]) == 0 {
		delete(e.eventClients, eventID)
	}
}

// GetEventClientCount returns the number of clients currently subscribed to an event
func (e *LedgerEventEmitter) GetEventClientCount(eventID models.EventID) int {
	e.eventClientMutex.RLock()
	defer e.eventClientMutex.RUnlock()
	return len(e.eventClients[eventID])
}
