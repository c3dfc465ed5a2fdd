package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationEventCreated      NotificationType = "EventCreated"
	NotificationEventCanceled     NotificationType = "EventCanceled"
	NotificationPurchase          NotificationType = "Purchase"
	NotificationTicketTransferred NotificationType = "TicketTransferred"
	NotificationWithdrawn         NotificationType = "Withdrawn"
)

// Notification is a domain event describing a committed ledger state change.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	EventID     EventID          `json:"event_id"`
	TicketID    TicketID         `json:"ticket_id,omitempty"`
	Organizer   Identity         `json:"organizer,omitempty"`
	Buyer       Identity         `json:"buyer,omitempty"`
	From        Identity         `json:"from,omitempty"`
	To          Identity         `json:"to,omitempty"`
	Amount      int64            `json:"amount,omitempty"`
	ReceiptHash string           `json:"receipt_hash,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

func NewNotification(kind NotificationType, eventID EventID) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Type:       kind,
		EventID:    eventID,
		OccurredAt: time.Now().UTC(),
	}
}
