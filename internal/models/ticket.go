package models

import (
	"time"

	"github.com/uptrace/bun"
)

// TicketID identifies a ticket. Zero is reserved for "does not exist".
type TicketID int64

type Ticket struct {
	bun.BaseModel `bun:"table:ledger_tickets"`

	ID          TicketID  `bun:"id,pk,autoincrement" json:"id"`
	EventID     EventID   `bun:"event_id,notnull" json:"event_id"`
	Owner       Identity  `bun:"owner,notnull" json:"owner"`
	Valid       bool      `bun:"valid,notnull" json:"valid"`
	ReceiptHash string    `bun:"receipt_hash,notnull" json:"receipt_hash"`
	PurchasedAt time.Time `bun:"purchased_at,notnull" json:"purchased_at"`
}

// Receipt is the proof of purchase handed back to the buyer.
type Receipt struct {
	TicketID    TicketID  `json:"ticket_id"`
	EventID     EventID   `json:"event_id"`
	Buyer       Identity  `json:"buyer"`
	Amount      int64     `json:"amount"`
	ReceiptHash string    `json:"receipt_hash"`
	PurchasedAt time.Time `json:"purchased_at"`
}

type PurchaseRequest struct {
	PaidAmount int64 `json:"paid_amount"`
}

type TransferRequest struct {
	To Identity `json:"to"`
}
