package models

import (
	"time"

	"github.com/uptrace/bun"
)

// EventBalance is the amount payable to an event's organizer.
type EventBalance struct {
	bun.BaseModel `bun:"table:event_balances"`

	EventID   EventID   `bun:"event_id,pk" json:"event_id"`
	Amount    int64     `bun:"amount,notnull" json:"amount"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPaid   WithdrawalStatus = "paid"
	WithdrawalFailed WithdrawalStatus = "failed"
)

// Withdrawal records one payout attempt to an organizer.
type Withdrawal struct {
	bun.BaseModel `bun:"table:withdrawals"`

	ID        string           `bun:"id,pk" json:"id"`
	EventID   EventID          `bun:"event_id,notnull" json:"event_id"`
	Organizer Identity         `bun:"organizer,notnull" json:"organizer"`
	Amount    int64            `bun:"amount,notnull" json:"amount"`
	Status    WithdrawalStatus `bun:"status,notnull" json:"status"`
	Reference string           `bun:"reference" json:"reference,omitempty"`
	Reason    string           `bun:"reason" json:"reason,omitempty"`
	CreatedAt time.Time        `bun:"created_at,notnull" json:"created_at"`
}

// Snapshot is the full persisted ledger state, used to rebuild the in-memory
// registries on startup.
type Snapshot struct {
	Events   []Event
	Tickets  []Ticket
	Balances []EventBalance
}

// PayoutRequest asks the payout channel to move Amount minor units to the
// organizer. IdempotencyKey is the withdrawal id.
type PayoutRequest struct {
	EventID        EventID
	Organizer      Identity
	Amount         int64
	Currency       string
	IdempotencyKey string
}
