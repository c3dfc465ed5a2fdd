package payout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// TransferCreator is the part of the Stripe client used for payouts.
type TransferCreator interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeChannel pays organizers through Stripe Connect transfers. Organizer
// identities resolve to connected account ids through AccountFor.
type StripeChannel struct {
	Transfers  TransferCreator
	AccountFor func(models.Identity) (string, error)
	log        *logger.Logger
}

func NewStripeChannel(secretKey string, log *logger.Logger) (*StripeChannel, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeChannel{
		Transfers:  sc.Transfers,
		AccountFor: identityAsAccount,
		log:        log,
	}, nil
}

func identityAsAccount(organizer models.Identity) (string, error) {
	if organizer == "" {
		return "", errors.New("organizer has no connected account")
	}
	return string(organizer), nil
}

// Pay creates one transfer per withdrawal. The withdrawal id doubles as the
// Stripe idempotency key so a retried request can never pay twice.
func (s *StripeChannel) Pay(ctx context.Context, req models.PayoutRequest) (string, error) {
	account, err := s.AccountFor(req.Organizer)
	if err != nil {
		return "", err
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(account),
		TransferGroup: stripe.String("event-" + strconv.FormatInt(int64(req.EventID), 10)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("event_id", strconv.FormatInt(int64(req.EventID), 10))
	params.AddMetadata("withdrawal_id", req.IdempotencyKey)

	transfer, err := s.Transfers.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			s.log.Error("STRIPE", fmt.Sprintf("Transfer for event %d rejected (%s): %s", req.EventID, stripeErr.Code, stripeErr.Msg))
			return "", fmt.Errorf("stripe transfer rejected: %s", stripeErr.Msg)
		}
		s.log.Error("STRIPE", fmt.Sprintf("Transfer for event %d failed: %v", req.EventID, err))
		return "", err
	}

	s.log.Info("STRIPE", fmt.Sprintf("Transferred %d %s to %s for event %d (%s)", req.Amount, req.Currency, account, req.EventID, transfer.ID))
	return transfer.ID, nil
}
