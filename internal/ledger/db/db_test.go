package db_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/ledger/db"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/txn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	bunDB, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, logger.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })

	store := &db.DB{Bun: bunDB}
	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

func testEvent(id models.EventID) models.Event {
	return models.Event{
		ID:          id,
		Name:        "Conf",
		ScheduledAt: time.Date(2026, 11, 1, 18, 0, 0, 0, time.UTC),
		Organizer:   "org",
		Price:       100,
		Capacity:    2,
		CreatedAt:   time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestInsertAndUpdateEvent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	event := testEvent(1)
	require.NoError(t, store.InsertEvent(ctx, &event))

	event.Sold = 2
	event.Canceled = true
	event.Name = "ignored"
	require.NoError(t, store.UpdateEvent(ctx, event))

	got, err := store.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sold)
	assert.True(t, got.Canceled)
	assert.Equal(t, "Conf", got.Name, "only sold and canceled are updated")
	assert.Equal(t, models.Identity("org"), got.Organizer)

	_, err = store.GetEventByID(ctx, 9)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInsertEvent_AllocatesIDs(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := testEvent(0)
	second := testEvent(0)
	require.NoError(t, store.InsertEvent(ctx, &first))
	require.NoError(t, store.InsertEvent(ctx, &second))
	assert.Equal(t, models.EventID(1), first.ID)
	assert.Equal(t, models.EventID(2), second.ID)

	list, err := store.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestIncrementSold_StopsAtCapacity(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	event := testEvent(1)
	require.NoError(t, store.InsertEvent(ctx, &event))

	require.NoError(t, store.IncrementSold(ctx, 1))
	require.NoError(t, store.IncrementSold(ctx, 1))
	assert.ErrorIs(t, store.IncrementSold(ctx, 1), models.ErrCapacityExceeded)

	got, err := store.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sold)
}

func TestInsertAndUpdateTicket(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	event := testEvent(1)
	require.NoError(t, store.InsertEvent(ctx, &event))

	ticket := models.Ticket{
		EventID:     1,
		Owner:       "A",
		Valid:       true,
		PurchasedAt: time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertTicket(ctx, &ticket))
	assert.Equal(t, models.TicketID(1), ticket.ID)

	ticket.Owner = "D"
	ticket.ReceiptHash = "0xabc"
	require.NoError(t, store.UpdateTicket(ctx, ticket))

	got, err := store.GetTicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Identity("D"), got.Owner)
	assert.Equal(t, "0xabc", got.ReceiptHash)
	assert.True(t, got.Valid)

	owned, err := store.GetTicketsByOwner(ctx, "D")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, ticket.ID, owned[0].ID)

	owned, err = store.GetTicketsByOwner(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, owned)

	_, err = store.GetTicketByID(ctx, 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveBalance_Upserts(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	amount, err := store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), amount)

	require.NoError(t, store.SaveBalance(ctx, models.EventBalance{EventID: 1, Amount: 100}))
	require.NoError(t, store.SaveBalance(ctx, models.EventBalance{EventID: 1, Amount: 200}))

	amount, err = store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), amount)
}

func TestAddBalance_AppliesDeltas(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC)

	// a missing row is created from the first delta
	require.NoError(t, store.AddBalance(ctx, 1, 100, at))
	require.NoError(t, store.AddBalance(ctx, 1, 40, at))
	require.NoError(t, store.AddBalance(ctx, 1, -140, at))
	require.NoError(t, store.AddBalance(ctx, 1, 25, at))

	amount, err := store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), amount)
}

func TestWithTx_RollbackDiscardsWritesAndHooks(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")
	hookRan := false

	err := store.WithTx(ctx, func(ctx context.Context) error {
		event := testEvent(1)
		require.NoError(t, store.InsertEvent(ctx, &event))
		require.NoError(t, store.SaveBalance(ctx, models.EventBalance{EventID: 1, Amount: 100}))
		txn.AfterCommit(ctx, func() { hookRan = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	_, err = store.GetEventByID(ctx, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
	amount, err := store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), amount)
}

func TestWithTx_CommitRunsHooks(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	var order []string

	err := store.WithTx(ctx, func(ctx context.Context) error {
		event := testEvent(1)
		require.NoError(t, store.InsertEvent(ctx, &event))
		txn.AfterCommit(ctx, func() { order = append(order, "outer") })

		// nested units join the outer transaction
		return store.WithTx(ctx, func(ctx context.Context) error {
			txn.AfterCommit(ctx, func() { order = append(order, "inner") })
			return store.SaveBalance(ctx, models.EventBalance{EventID: 1, Amount: 50})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)

	amount, err := store.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), amount)
}

func TestWithdrawals(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertWithdrawal(ctx, models.Withdrawal{
		ID: "w-2", EventID: 1, Organizer: "org", Amount: 100,
		Status: models.WithdrawalPaid, Reference: "tr_2", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, store.InsertWithdrawal(ctx, models.Withdrawal{
		ID: "w-1", EventID: 1, Organizer: "org", Amount: 100,
		Status: models.WithdrawalFailed, Reason: "declined", CreatedAt: base,
	}))
	require.NoError(t, store.InsertWithdrawal(ctx, models.Withdrawal{
		ID: "w-3", EventID: 2, Organizer: "org", Amount: 5,
		Status: models.WithdrawalPaid, CreatedAt: base,
	}))

	list, err := store.GetWithdrawalsByEvent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "w-1", list[0].ID)
	assert.Equal(t, models.WithdrawalFailed, list[0].Status)
	assert.Equal(t, "tr_2", list[1].Reference)
}

func TestLoadSnapshot(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []models.EventID{2, 1} {
		event := testEvent(id)
		require.NoError(t, store.InsertEvent(ctx, &event))
	}
	require.NoError(t, store.InsertTicket(ctx, &models.Ticket{ID: 1, EventID: 1, Owner: "A", Valid: true, ReceiptHash: "0x1"}))
	require.NoError(t, store.SaveBalance(ctx, models.EventBalance{EventID: 1, Amount: 100}))

	snapshot, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Events, 2)
	assert.Equal(t, models.EventID(1), snapshot.Events[0].ID)
	require.Len(t, snapshot.Tickets, 1)
	require.Len(t, snapshot.Balances, 1)
	assert.Equal(t, int64(100), snapshot.Balances[0].Amount)
}
