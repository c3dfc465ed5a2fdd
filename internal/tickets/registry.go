package tickets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ticket-ledger/internal/models"
	"ticket-ledger/internal/txn"
)

// DBLayer is the shared ticket store. It allocates ticket ids when present.
type DBLayer interface {
	InsertTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateTicket(ctx context.Context, ticket models.Ticket) error
	GetTicketByID(ctx context.Context, id models.TicketID) (*models.Ticket, error)
	GetTicketsByOwner(ctx context.Context, owner models.Identity) ([]models.Ticket, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Registry owns every Ticket record. As with the event registry, writes are
// persisted first and become visible when the enclosing txn unit commits;
// callers serialize mutations per ticket.
type Registry struct {
	DB       DBLayer
	Notifier Notifier

	mu      sync.RWMutex
	tickets map[models.TicketID]*models.Ticket
	lastID  atomic.Int64
}

func NewRegistry(db DBLayer, notifier Notifier) *Registry {
	return &Registry{
		DB:       db,
		Notifier: notifier,
		tickets:  make(map[models.TicketID]*models.Ticket),
	}
}

func (r *Registry) nextID() models.TicketID {
	return models.TicketID(r.lastID.Add(1))
}

// Mint issues a valid ticket for eventID owned by owner.
func (r *Registry) Mint(ctx context.Context, eventID models.EventID, owner models.Identity, purchasedAt time.Time) (models.Ticket, error) {
	if owner == "" {
		return models.Ticket{}, fmt.Errorf("ticket owner is required: %w", models.ErrInvalidArgument)
	}

	purchasedAt = purchasedAt.UTC().Truncate(time.Second)
	ticket := models.Ticket{
		EventID:     eventID,
		Owner:       owner,
		Valid:       true,
		PurchasedAt: purchasedAt,
	}

	if r.DB == nil {
		ticket.ID = r.nextID()
		ticket.ReceiptHash = ReceiptHash(ticket.ID, owner, eventID, purchasedAt.Unix())
	} else {
		// the hash covers the id, which only exists once the row is inserted
		if err := r.DB.InsertTicket(ctx, &ticket); err != nil {
			return models.Ticket{}, fmt.Errorf("failed to persist ticket for event %d: %w", eventID, err)
		}
		ticket.ReceiptHash = ReceiptHash(ticket.ID, owner, eventID, purchasedAt.Unix())
		if err := r.DB.UpdateTicket(ctx, ticket); err != nil {
			return models.Ticket{}, fmt.Errorf("failed to seal ticket %d: %w", ticket.ID, err)
		}
	}

	txn.AfterCommit(ctx, func() { r.put(ticket) })
	return ticket, nil
}

// Get returns a copy of the ticket.
func (r *Registry) Get(id models.TicketID) (models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return models.Ticket{}, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	return *ticket, nil
}

// Load returns the current ticket, re-read from the store when there is one.
func (r *Registry) Load(ctx context.Context, id models.TicketID) (models.Ticket, error) {
	if r.DB == nil {
		return r.Get(id)
	}
	ticket, err := r.DB.GetTicketByID(ctx, id)
	if err != nil {
		return models.Ticket{}, err
	}
	r.put(*ticket)
	return *ticket, nil
}

// LoadByOwner returns the tickets held by owner ordered by id, read from the
// store when there is one.
func (r *Registry) LoadByOwner(ctx context.Context, owner models.Identity) ([]models.Ticket, error) {
	if r.DB == nil {
		return r.ListByOwner(owner), nil
	}
	list, err := r.DB.GetTicketsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets of %q: %w", owner, err)
	}
	for _, ticket := range list {
		r.put(ticket)
	}
	return list, nil
}

// Transfer moves a ticket from its current owner to another identity. from is
// asserted by the caller and must match the stored owner.
func (r *Registry) Transfer(ctx context.Context, id models.TicketID, from, to models.Identity) error {
	ticket, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ticket.Valid {
		return fmt.Errorf("ticket %d is not valid: %w", id, models.ErrInvalidState)
	}
	if ticket.Owner != from {
		return fmt.Errorf("caller %q does not own ticket %d: %w", from, id, models.ErrUnauthorized)
	}
	if to == "" {
		return fmt.Errorf("transfer recipient is required: %w", models.ErrInvalidArgument)
	}

	ticket.Owner = to
	if r.DB != nil {
		if err := r.DB.UpdateTicket(ctx, ticket); err != nil {
			return fmt.Errorf("failed to persist transfer of ticket %d: %w", id, err)
		}
	}

	txn.AfterCommit(ctx, func() {
		r.put(ticket)

		if r.Notifier != nil {
			n := models.NewNotification(models.NotificationTicketTransferred, ticket.EventID)
			n.TicketID = id
			n.From = from
			n.To = to
			r.Notifier.Notify(ctx, n)
		}
	})
	return nil
}

// VerifyOwner reports whether identity holds a valid ticket id as last seen
// by this process. Unknown tickets yield false.
func (r *Registry) VerifyOwner(id models.TicketID, identity models.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return false
	}
	return ticket.Valid && ticket.Owner == identity
}

// ListByOwner returns copies of the tickets held by owner as last seen by
// this process, ordered by id.
func (r *Registry) ListByOwner(owner models.Identity) []models.Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var list []models.Ticket
	for _, ticket := range r.tickets {
		if ticket.Owner == owner {
			list = append(list, *ticket)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Restore replaces the registry contents with persisted records.
func (r *Registry) Restore(tickets []models.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickets = make(map[models.TicketID]*models.Ticket, len(tickets))
	var maxID models.TicketID
	for i := range tickets {
		ticket := tickets[i]
		r.tickets[ticket.ID] = &ticket
		if ticket.ID > maxID {
			maxID = ticket.ID
		}
	}
	if int64(maxID) > r.lastID.Load() {
		r.lastID.Store(int64(maxID))
	}
}

func (r *Registry) put(ticket models.Ticket) {
	r.mu.Lock()
	r.tickets[ticket.ID] = &ticket
	r.mu.Unlock()
}
