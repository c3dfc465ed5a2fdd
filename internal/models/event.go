package models

import (
	"time"

	"github.com/uptrace/bun"
)

// EventID identifies an event. Zero is reserved for "does not exist".
type EventID int64

// Identity is an opaque, equality-comparable caller identity supplied by the
// identity provider. The empty identity is the null identity.
type Identity string

type Event struct {
	bun.BaseModel `bun:"table:ledger_events"`

	ID          EventID   `bun:"id,pk,autoincrement" json:"id"`
	Name        string    `bun:"name,notnull" json:"name"`
	ScheduledAt time.Time `bun:"scheduled_at,notnull" json:"scheduled_at"`
	Organizer   Identity  `bun:"organizer,notnull" json:"organizer"`
	Price       int64     `bun:"price,notnull" json:"price"`
	Capacity    int64     `bun:"capacity,notnull" json:"capacity"`
	Sold        int64     `bun:"sold,notnull" json:"sold"`
	Canceled    bool      `bun:"canceled,notnull" json:"canceled"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
}

// Remaining returns how many tickets can still be sold.
func (e Event) Remaining() int64 {
	return e.Capacity - e.Sold
}

type CreateEventRequest struct {
	Name        string    `json:"name"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Price       int64     `json:"price"`
	Capacity    int64     `json:"capacity"`
}
