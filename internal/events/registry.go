package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ticket-ledger/internal/clock"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/txn"
)

// DBLayer is the shared event store. When one is configured it is the source
// of truth and allocates event ids, so several replicas can serve the same
// ledger.
type DBLayer interface {
	InsertEvent(ctx context.Context, event *models.Event) error
	UpdateEvent(ctx context.Context, event models.Event) error
	IncrementSold(ctx context.Context, id models.EventID) error
	GetEventByID(ctx context.Context, id models.EventID) (*models.Event, error)
	ListEvents(ctx context.Context) ([]models.Event, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Registry owns every Event record. Callers get copies, never pointers into
// the registry. Mutations are persisted first and applied to memory once the
// enclosing txn unit commits; callers serialize mutations per event.
type Registry struct {
	DB       DBLayer
	Notifier Notifier
	Clock    clock.Clock

	mu     sync.RWMutex
	events map[models.EventID]*models.Event
	lastID atomic.Int64
}

func NewRegistry(db DBLayer, notifier Notifier) *Registry {
	return &Registry{
		DB:       db,
		Notifier: notifier,
		Clock:    clock.NewSystem(),
		events:   make(map[models.EventID]*models.Event),
	}
}

func (r *Registry) nextID() models.EventID {
	return models.EventID(r.lastID.Add(1))
}

// Create registers a new event and returns its identifier.
func (r *Registry) Create(ctx context.Context, name string, scheduledAt time.Time, organizer models.Identity, price, capacity int64) (models.EventID, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("capacity must be positive, got %d: %w", capacity, models.ErrInvalidArgument)
	}
	if price < 0 {
		return 0, fmt.Errorf("price must not be negative, got %d: %w", price, models.ErrInvalidArgument)
	}
	if organizer == "" {
		return 0, fmt.Errorf("organizer is required: %w", models.ErrInvalidArgument)
	}

	event := models.Event{
		Name:        name,
		ScheduledAt: scheduledAt,
		Organizer:   organizer,
		Price:       price,
		Capacity:    capacity,
		CreatedAt:   r.Clock.Now(),
	}

	if r.DB != nil {
		if err := r.DB.InsertEvent(ctx, &event); err != nil {
			return 0, fmt.Errorf("failed to persist event %q: %w", name, err)
		}
	} else {
		event.ID = r.nextID()
	}

	txn.AfterCommit(ctx, func() {
		r.put(event)

		n := models.NewNotification(models.NotificationEventCreated, event.ID)
		n.Organizer = organizer
		n.Amount = price
		r.notify(ctx, n)
	})

	return event.ID, nil
}

// Get returns a copy of the event as last seen by this process.
func (r *Registry) Get(id models.EventID) (models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, ok := r.events[id]
	if !ok {
		return models.Event{}, fmt.Errorf("event %d: %w", id, models.ErrNotFound)
	}
	return *event, nil
}

// Load returns the current event. With a store it re-reads the row, through
// the transaction carried by ctx if there is one, and refreshes memory.
func (r *Registry) Load(ctx context.Context, id models.EventID) (models.Event, error) {
	if r.DB == nil {
		return r.Get(id)
	}
	event, err := r.DB.GetEventByID(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	r.put(*event)
	return *event, nil
}

// LoadAll returns every event ordered by identifier, read from the store
// when there is one.
func (r *Registry) LoadAll(ctx context.Context) ([]models.Event, error) {
	if r.DB == nil {
		return r.List(), nil
	}
	list, err := r.DB.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	for _, event := range list {
		r.put(event)
	}
	return list, nil
}

// RequireOrganizer loads the event and fails unless caller organizes it.
func (r *Registry) RequireOrganizer(ctx context.Context, id models.EventID, caller models.Identity) (models.Event, error) {
	event, err := r.Load(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	if event.Organizer != caller {
		return models.Event{}, fmt.Errorf("caller %q is not the organizer of event %d: %w", caller, id, models.ErrUnauthorized)
	}
	return event, nil
}

// MarkCanceled sets the canceled flag. Calling it again is a no-op apart from
// the notification.
func (r *Registry) MarkCanceled(ctx context.Context, id models.EventID) error {
	event, err := r.Load(ctx, id)
	if err != nil {
		return err
	}

	if !event.Canceled {
		event.Canceled = true
		if r.DB != nil {
			if err := r.DB.UpdateEvent(ctx, event); err != nil {
				return fmt.Errorf("failed to persist cancellation of event %d: %w", id, err)
			}
		}
	}

	txn.AfterCommit(ctx, func() {
		r.put(event)

		n := models.NewNotification(models.NotificationEventCanceled, id)
		n.Organizer = event.Organizer
		r.notify(ctx, n)
	})
	return nil
}

// IncrementSold records one more sold ticket and returns the new count. The
// store refuses the increment itself once capacity is reached.
func (r *Registry) IncrementSold(ctx context.Context, id models.EventID) (int64, error) {
	event, err := r.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if event.Sold+1 > event.Capacity {
		return 0, fmt.Errorf("event %d has %d/%d tickets sold: %w", id, event.Sold, event.Capacity, models.ErrCapacityExceeded)
	}

	event.Sold++
	if r.DB != nil {
		if err := r.DB.IncrementSold(ctx, id); err != nil {
			return 0, fmt.Errorf("failed to persist sold count of event %d: %w", id, err)
		}
	}

	txn.AfterCommit(ctx, func() { r.put(event) })
	return event.Sold, nil
}

// List returns copies of all events known to this process ordered by
// identifier.
func (r *Registry) List() []models.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]models.Event, 0, len(r.events))
	for _, event := range r.events {
		list = append(list, *event)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Restore replaces the registry contents with persisted records and moves the
// identifier counter past the highest restored id.
func (r *Registry) Restore(events []models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = make(map[models.EventID]*models.Event, len(events))
	var maxID models.EventID
	for i := range events {
		event := events[i]
		r.events[event.ID] = &event
		if event.ID > maxID {
			maxID = event.ID
		}
	}
	if int64(maxID) > r.lastID.Load() {
		r.lastID.Store(int64(maxID))
	}
}

func (r *Registry) put(event models.Event) {
	r.mu.Lock()
	r.events[event.ID] = &event
	r.mu.Unlock()
}

func (r *Registry) notify(ctx context.Context, n models.Notification) {
	if r.Notifier != nil {
		r.Notifier.Notify(ctx, n)
	}
}
