package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket-ledger/internal/models"
	"ticket-ledger/internal/txn"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

type DB struct {
	Bun *bun.DB
}

type txKey struct{}

// WithTx runs fn inside one database transaction. Store calls made with the
// ctx passed to fn join that transaction, and txn.AfterCommit hooks registered
// under it run only once the transaction has committed.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return fn(ctx)
	}

	return txn.Run(ctx, func(ctx context.Context) error {
		return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
	})
}

func (d *DB) conn(ctx context.Context) bun.IDB {
	if tx, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return tx
	}
	return d.Bun
}

// CreateSchema creates the ledger tables when they do not exist yet. Postgres
// deployments use the SQL migrations instead; this is for SQLite and tests.
func (d *DB) CreateSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.EventBalance)(nil),
		(*models.Withdrawal)(nil),
	}
	for _, m := range tables {
		if _, err := d.Bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", m, err)
		}
	}
	return nil
}

// ---------------- EVENTS ----------------

// InsertEvent → insert a new event. A zero ID is allocated by the database
// and written back into event.
func (d *DB) InsertEvent(ctx context.Context, event *models.Event) error {
	_, err := d.conn(ctx).NewInsert().Model(event).Exec(ctx)
	return err
}

// UpdateEvent → update the mutable event fields
func (d *DB) UpdateEvent(ctx context.Context, event models.Event) error {
	_, err := d.conn(ctx).NewUpdate().
		Model(&event).
		Column("sold", "canceled").
		WherePK().
		Exec(ctx)
	return err
}

// IncrementSold → count one more sale, refusing to pass capacity
func (d *DB) IncrementSold(ctx context.Context, id models.EventID) error {
	res, err := d.conn(ctx).NewUpdate().
		Model((*models.Event)(nil)).
		Set("sold = sold + 1").
		Where("id = ?", id).
		Where("sold < capacity").
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", id, models.ErrCapacityExceeded)
	}
	return nil
}

// GetEventByID → fetch one event by its ID
func (d *DB) GetEventByID(ctx context.Context, id models.EventID) (*models.Event, error) {
	var event models.Event
	err := d.conn(ctx).NewSelect().
		Model(&event).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents → fetch every event ordered by ID
func (d *DB) ListEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := d.conn(ctx).NewSelect().
		Model(&events).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ---------------- TICKETS ----------------

// InsertTicket → insert a newly minted ticket. A zero ID is allocated by the
// database and written back into ticket.
func (d *DB) InsertTicket(ctx context.Context, ticket *models.Ticket) error {
	_, err := d.conn(ctx).NewInsert().Model(ticket).Exec(ctx)
	return err
}

// UpdateTicket → update owner, validity and receipt hash
func (d *DB) UpdateTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := d.conn(ctx).NewUpdate().
		Model(&ticket).
		Column("owner", "valid", "receipt_hash").
		WherePK().
		Exec(ctx)
	return err
}

// GetTicketByID → fetch one ticket by its ID
func (d *DB) GetTicketByID(ctx context.Context, id models.TicketID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.conn(ctx).NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketsByOwner → fetch the tickets an identity holds
func (d *DB) GetTicketsByOwner(ctx context.Context, owner models.Identity) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.conn(ctx).NewSelect().
		Model(&tickets).
		Where("owner = ?", owner).
		Order("id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// ---------------- BALANCES ----------------

// SaveBalance → upsert the balance of an event
func (d *DB) SaveBalance(ctx context.Context, balance models.EventBalance) error {
	if balance.UpdatedAt.IsZero() {
		balance.UpdatedAt = time.Now().UTC()
	}
	q := d.conn(ctx).NewInsert().Model(&balance)
	if d.Bun.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE").
			Set("amount = VALUES(amount)").
			Set("updated_at = VALUES(updated_at)")
	} else {
		q = q.On("CONFLICT (event_id) DO UPDATE").
			Set("amount = EXCLUDED.amount").
			Set("updated_at = EXCLUDED.updated_at")
	}
	_, err := q.Exec(ctx)
	return err
}

// AddBalance → move the balance of an event by delta. Concurrent deltas
// commute, so purchases and restored payouts never overwrite each other.
func (d *DB) AddBalance(ctx context.Context, eventID models.EventID, delta int64, at time.Time) error {
	res, err := d.conn(ctx).NewUpdate().
		Model((*models.EventBalance)(nil)).
		Set("amount = amount + ?", delta).
		Set("updated_at = ?", at).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return d.SaveBalance(ctx, models.EventBalance{EventID: eventID, Amount: delta, UpdatedAt: at})
}

// GetBalance → fetch the stored balance of an event, zero if none recorded
func (d *DB) GetBalance(ctx context.Context, eventID models.EventID) (int64, error) {
	var balance models.EventBalance
	err := d.conn(ctx).NewSelect().
		Model(&balance).
		Where("event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// ---------------- WITHDRAWALS ----------------

// InsertWithdrawal → record a payout attempt
func (d *DB) InsertWithdrawal(ctx context.Context, withdrawal models.Withdrawal) error {
	_, err := d.conn(ctx).NewInsert().Model(&withdrawal).Exec(ctx)
	return err
}

// GetWithdrawalsByEvent → fetch the payout history of an event
func (d *DB) GetWithdrawalsByEvent(ctx context.Context, eventID models.EventID) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	err := d.conn(ctx).NewSelect().
		Model(&withdrawals).
		Where("event_id = ?", eventID).
		Order("created_at").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// ---------------- SNAPSHOT ----------------

// LoadSnapshot → read every event, ticket and balance
func (d *DB) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{}

	if err := d.conn(ctx).NewSelect().Model(&snapshot.Events).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	if err := d.conn(ctx).NewSelect().Model(&snapshot.Tickets).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load tickets: %w", err)
	}
	if err := d.conn(ctx).NewSelect().Model(&snapshot.Balances).Order("event_id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	return snapshot, nil
}
