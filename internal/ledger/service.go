package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket-ledger/internal/clock"
	"ticket-ledger/internal/events"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/tickets"
	"ticket-ledger/internal/txn"

	"github.com/google/uuid"
)

// Store persists the ledger. WithTx must make every call issued with the ctx
// it hands to fn part of one transaction. With a store configured it is the
// source of truth, and memory only caches what this process last read or
// wrote, so replicas sharing a store and a Redis lock table stay consistent.
type Store interface {
	events.DBLayer
	tickets.DBLayer

	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	SaveBalance(ctx context.Context, balance models.EventBalance) error
	AddBalance(ctx context.Context, eventID models.EventID, delta int64, at time.Time) error
	GetBalance(ctx context.Context, eventID models.EventID) (int64, error)
	InsertWithdrawal(ctx context.Context, withdrawal models.Withdrawal) error
	GetWithdrawalsByEvent(ctx context.Context, eventID models.EventID) ([]models.Withdrawal, error)
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// Locker hands out exclusive sections by key. Both the in-process lock table
// and the Redis locker satisfy it.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type PayoutChannel interface {
	Pay(ctx context.Context, req models.PayoutRequest) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type Options struct {
	Store    Store
	Locks    Locker
	Payout   PayoutChannel
	Notifier Notifier
	Clock    clock.Clock
	Logger   *logger.Logger
	Currency string
}

// restoring a failed payout is retried this many times before giving up on
// the store
const (
	restoreAttempts = 5
	restoreBackoff  = 200 * time.Millisecond
)

type Service struct {
	Events  *events.Registry
	Tickets *tickets.Registry

	store    Store
	locks    Locker
	payout   PayoutChannel
	notifier Notifier
	clock    clock.Clock
	log      *logger.Logger
	currency string

	balMu    sync.RWMutex
	balances map[models.EventID]int64
}

// NewService wires the registries to the store and notifier. A nil Store
// keeps the ledger purely in memory.
func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		locks:    opts.Locks,
		payout:   opts.Payout,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		log:      opts.Logger,
		currency: opts.Currency,
		balances: make(map[models.EventID]int64),
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.currency == "" {
		s.currency = "usd"
	}

	var eventDB events.DBLayer
	var ticketDB tickets.DBLayer
	if opts.Store != nil {
		eventDB = opts.Store
		ticketDB = opts.Store
	}
	s.Events = events.NewRegistry(eventDB, opts.Notifier)
	s.Events.Clock = s.clock
	s.Tickets = tickets.NewRegistry(ticketDB, opts.Notifier)
	return s
}

func eventKey(id models.EventID) string {
	return fmt.Sprintf("event:%d", id)
}

func ticketKey(id models.TicketID) string {
	return fmt.Sprintf("ticket:%d", id)
}

func (s *Service) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.store == nil {
		return txn.Run(ctx, fn)
	}
	return s.store.WithTx(ctx, fn)
}

func (s *Service) lockEvent(ctx context.Context, id models.EventID) (func(), error) {
	release, err := s.locks.Acquire(ctx, eventKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock event %d: %w", id, err)
	}
	return release, nil
}

func (s *Service) notify(ctx context.Context, n models.Notification) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, n)
	}
}

// ---------------- BALANCES ----------------

func (s *Service) balance(id models.EventID) int64 {
	s.balMu.RLock()
	defer s.balMu.RUnlock()
	return s.balances[id]
}

func (s *Service) setBalance(id models.EventID, amount int64) {
	s.balMu.Lock()
	s.balances[id] = amount
	s.balMu.Unlock()
}

func (s *Service) addBalance(id models.EventID, delta int64) {
	s.balMu.Lock()
	s.balances[id] += delta
	s.balMu.Unlock()
}

// loadBalance returns the current balance, read from the store when there is
// one.
func (s *Service) loadBalance(ctx context.Context, id models.EventID) (int64, error) {
	if s.store == nil {
		return s.balance(id), nil
	}
	amount, err := s.store.GetBalance(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to load balance of event %d: %w", id, err)
	}
	s.setBalance(id, amount)
	return amount, nil
}

// openBalance records the zero balance of a new event.
func (s *Service) openBalance(ctx context.Context, id models.EventID) error {
	if s.store != nil {
		err := s.store.SaveBalance(ctx, models.EventBalance{EventID: id, UpdatedAt: s.clock.Now()})
		if err != nil {
			return fmt.Errorf("failed to persist balance of event %d: %w", id, err)
		}
	}
	txn.AfterCommit(ctx, func() { s.setBalance(id, 0) })
	return nil
}

// adjustBalance moves the balance by delta inside the current transaction
// and in memory once it commits. Deltas commute, so a restored payout and a
// purchase that landed meanwhile never overwrite each other.
func (s *Service) adjustBalance(ctx context.Context, id models.EventID, delta int64) error {
	if s.store != nil {
		if err := s.store.AddBalance(ctx, id, delta, s.clock.Now()); err != nil {
			return fmt.Errorf("failed to persist balance of event %d: %w", id, err)
		}
	}
	txn.AfterCommit(ctx, func() { s.addBalance(id, delta) })
	return nil
}

// ---------------- EVENTS ----------------

func (s *Service) CreateEvent(ctx context.Context, organizer models.Identity, name string, scheduledAt time.Time, price, capacity int64) (models.EventID, error) {
	var id models.EventID
	err := s.withTx(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.Events.Create(ctx, name, scheduledAt, organizer, price, capacity)
		if err != nil {
			return err
		}
		return s.openBalance(ctx, id)
	})
	if err != nil {
		return 0, err
	}

	s.log.LogLedger("CREATE", int64(id), fmt.Sprintf("organizer=%s price=%d capacity=%d", organizer, price, capacity))
	return id, nil
}

// CancelEvent stops all further sales of an event. Existing tickets stay valid.
func (s *Service) CancelEvent(ctx context.Context, eventID models.EventID, caller models.Identity) error {
	release, err := s.lockEvent(ctx, eventID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.Events.RequireOrganizer(ctx, eventID, caller); err != nil {
			return err
		}
		return s.Events.MarkCanceled(ctx, eventID)
	}); err != nil {
		return err
	}

	s.log.LogLedger("CANCEL", int64(eventID), "sales closed")
	return nil
}

// ---------------- PURCHASE ----------------

// Purchase sells one ticket of eventID to buyer, who must pay exactly the
// event price. Mint, sold counter and balance credit commit together or not
// at all.
func (s *Service) Purchase(ctx context.Context, eventID models.EventID, buyer models.Identity, paid int64) (models.Receipt, error) {
	if buyer == "" {
		return models.Receipt{}, fmt.Errorf("buyer is required: %w", models.ErrInvalidArgument)
	}

	release, err := s.lockEvent(ctx, eventID)
	if err != nil {
		return models.Receipt{}, err
	}
	defer release()

	var receipt models.Receipt
	err = s.withTx(ctx, func(ctx context.Context) error {
		event, err := s.Events.Load(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Canceled {
			return fmt.Errorf("event %d is canceled: %w", eventID, models.ErrInvalidState)
		}
		if event.Sold >= event.Capacity {
			return fmt.Errorf("event %d: %w", eventID, models.ErrCapacityExceeded)
		}
		if paid != event.Price {
			return fmt.Errorf("paid %d for event %d priced %d: %w", paid, eventID, event.Price, models.ErrPaymentMismatch)
		}

		ticket, err := s.Tickets.Mint(ctx, eventID, buyer, s.clock.Now())
		if err != nil {
			return err
		}
		if _, err := s.Events.IncrementSold(ctx, eventID); err != nil {
			return err
		}
		if err := s.adjustBalance(ctx, eventID, paid); err != nil {
			return err
		}

		receipt = models.Receipt{
			TicketID:    ticket.ID,
			EventID:     eventID,
			Buyer:       buyer,
			Amount:      paid,
			ReceiptHash: ticket.ReceiptHash,
			PurchasedAt: ticket.PurchasedAt,
		}
		txn.AfterCommit(ctx, func() {
			n := models.NewNotification(models.NotificationPurchase, eventID)
			n.TicketID = ticket.ID
			n.Buyer = buyer
			n.Amount = paid
			n.ReceiptHash = ticket.ReceiptHash
			s.notify(ctx, n)
		})
		return nil
	})
	if err != nil {
		return models.Receipt{}, err
	}

	s.log.LogLedger("PURCHASE", int64(eventID), fmt.Sprintf("ticket=%d buyer=%s amount=%d", receipt.TicketID, buyer, paid))
	return receipt, nil
}

// ---------------- TRANSFER ----------------

// TransferTicket moves a ticket from caller to another identity. Event state,
// including cancellation, does not matter.
func (s *Service) TransferTicket(ctx context.Context, ticketID models.TicketID, caller, to models.Identity) error {
	release, err := s.locks.Acquire(ctx, ticketKey(ticketID))
	if err != nil {
		return fmt.Errorf("failed to lock ticket %d: %w", ticketID, err)
	}
	defer release()

	return s.withTx(ctx, func(ctx context.Context) error {
		return s.Tickets.Transfer(ctx, ticketID, caller, to)
	})
}

// ---------------- WITHDRAW ----------------

// Withdraw pays the whole balance of an event to its organizer. The balance is
// zeroed before the payout runs and put back if the payout fails, so a
// concurrent or re-entrant withdrawal sees nothing to withdraw.
func (s *Service) Withdraw(ctx context.Context, eventID models.EventID, caller models.Identity) (models.Withdrawal, error) {
	amount, err := s.claimBalance(ctx, eventID, caller)
	if err != nil {
		return models.Withdrawal{}, err
	}

	withdrawal := models.Withdrawal{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Organizer: caller,
		Amount:    amount,
		CreatedAt: s.clock.Now(),
	}

	// The balance is claimed; from here on the caller cannot abort.
	detached := context.WithoutCancel(ctx)

	ref, payErr := s.payout.Pay(detached, models.PayoutRequest{
		EventID:        eventID,
		Organizer:      caller,
		Amount:         amount,
		Currency:       s.currency,
		IdempotencyKey: withdrawal.ID,
	})
	if payErr != nil {
		withdrawal.Status = models.WithdrawalFailed
		withdrawal.Reason = payErr.Error()
		s.restoreBalance(detached, withdrawal)
		return withdrawal, fmt.Errorf("withdrawal of %d from event %d: %v: %w", amount, eventID, payErr, models.ErrPayoutFailed)
	}

	withdrawal.Status = models.WithdrawalPaid
	withdrawal.Reference = ref
	s.recordWithdrawal(detached, withdrawal)

	n := models.NewNotification(models.NotificationWithdrawn, eventID)
	n.Organizer = caller
	n.Amount = amount
	s.notify(detached, n)

	s.log.LogLedger("WITHDRAW", int64(eventID), fmt.Sprintf("amount=%d reference=%s", amount, ref))
	return withdrawal, nil
}

// claimBalance zeroes the balance under the event lock and returns what it held.
func (s *Service) claimBalance(ctx context.Context, eventID models.EventID, caller models.Identity) (int64, error) {
	release, err := s.lockEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	defer release()

	var amount int64
	err = s.withTx(ctx, func(ctx context.Context) error {
		if _, err := s.Events.RequireOrganizer(ctx, eventID, caller); err != nil {
			return err
		}
		balance, err := s.loadBalance(ctx, eventID)
		if err != nil {
			return err
		}
		if balance == 0 {
			return fmt.Errorf("event %d: %w", eventID, models.ErrNothingToWithdraw)
		}
		amount = balance
		return s.adjustBalance(ctx, eventID, -balance)
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// restoreBalance credits a failed payout back to the event. The credit is a
// delta, so it needs no event lock and keeps any purchase that landed while
// the payout was in flight.
func (s *Service) restoreBalance(ctx context.Context, withdrawal models.Withdrawal) {
	eventID := withdrawal.EventID

	var err error
	for attempt := 1; attempt <= restoreAttempts; attempt++ {
		err = s.withTx(ctx, func(ctx context.Context) error {
			return s.adjustBalance(ctx, eventID, withdrawal.Amount)
		})
		if err == nil {
			break
		}
		s.log.Warn("LEDGER", fmt.Sprintf("Restoring %d to event %d failed (attempt %d/%d): %v", withdrawal.Amount, eventID, attempt, restoreAttempts, err))
		if attempt < restoreAttempts {
			time.Sleep(time.Duration(attempt) * restoreBackoff)
		}
	}
	if err != nil {
		// memory keeps the funds; the store is reconciled from this log line
		s.addBalance(eventID, withdrawal.Amount)
		s.log.Error("LEDGER", fmt.Sprintf("Failed to persist restored %d of event %d (withdrawal %s): %v", withdrawal.Amount, eventID, withdrawal.ID, err))
	}

	s.recordWithdrawal(ctx, withdrawal)
	s.log.Warn("LEDGER", fmt.Sprintf("Payout of %d for event %d failed, balance restored: %s", withdrawal.Amount, eventID, withdrawal.Reason))
}

func (s *Service) recordWithdrawal(ctx context.Context, withdrawal models.Withdrawal) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertWithdrawal(ctx, withdrawal); err != nil {
		s.log.Error("LEDGER", fmt.Sprintf("Withdrawal %s (%s) of event %d was not recorded: %v", withdrawal.ID, withdrawal.Status, withdrawal.EventID, err))
	}
}

// ---------------- QUERIES ----------------

func (s *Service) GetEvent(ctx context.Context, eventID models.EventID) (models.Event, error) {
	return s.Events.Load(ctx, eventID)
}

func (s *Service) ListEvents(ctx context.Context) ([]models.Event, error) {
	return s.Events.LoadAll(ctx)
}

func (s *Service) GetTicket(ctx context.Context, ticketID models.TicketID) (models.Ticket, error) {
	return s.Tickets.Load(ctx, ticketID)
}

// VerifyTicketOwner never fails; unknown tickets are simply not owned.
func (s *Service) VerifyTicketOwner(ctx context.Context, ticketID models.TicketID, identity models.Identity) bool {
	if _, err := s.Tickets.Load(ctx, ticketID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.log.Error("LEDGER", fmt.Sprintf("Could not load ticket %d: %v", ticketID, err))
		}
		return false
	}
	return s.Tickets.VerifyOwner(ticketID, identity)
}

func (s *Service) TicketsByOwner(ctx context.Context, owner models.Identity) ([]models.Ticket, error) {
	return s.Tickets.LoadByOwner(ctx, owner)
}

// VerifyReceipt reports whether receiptHash is the proof of purchase of
// ticketID issued to buyer. It holds across transfers.
func (s *Service) VerifyReceipt(ctx context.Context, ticketID models.TicketID, buyer models.Identity, receiptHash string) (bool, error) {
	ticket, err := s.Tickets.Load(ctx, ticketID)
	if err != nil {
		return false, err
	}
	return ticket.ReceiptHash == receiptHash && tickets.VerifyReceipt(ticket, buyer), nil
}

// EventBalance returns the withdrawable amount of an event to its organizer.
func (s *Service) EventBalance(ctx context.Context, eventID models.EventID, caller models.Identity) (int64, error) {
	if _, err := s.Events.RequireOrganizer(ctx, eventID, caller); err != nil {
		return 0, err
	}
	return s.loadBalance(ctx, eventID)
}

// Withdrawals lists the payout attempts of an event to its organizer.
func (s *Service) Withdrawals(ctx context.Context, eventID models.EventID, caller models.Identity) ([]models.Withdrawal, error) {
	if _, err := s.Events.RequireOrganizer(ctx, eventID, caller); err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	list, err := s.store.GetWithdrawalsByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawals of event %d: %w", eventID, err)
	}
	return list, nil
}

// Restore rebuilds the in-memory ledger from the store.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snapshot, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}

	s.Events.Restore(snapshot.Events)
	s.Tickets.Restore(snapshot.Tickets)

	balances := make(map[models.EventID]int64, len(snapshot.Balances))
	for _, b := range snapshot.Balances {
		balances[b.EventID] = b.Amount
	}
	s.balMu.Lock()
	s.balances = balances
	s.balMu.Unlock()

	s.log.Info("LEDGER", fmt.Sprintf("Restored %d events, %d tickets, %d balances", len(snapshot.Events), len(snapshot.Tickets), len(snapshot.Balances)))
	return nil
}
