package payout

import (
	"context"
	"fmt"

	"ticket-ledger/internal/config"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
)

type Channel interface {
	Pay(ctx context.Context, req models.PayoutRequest) (string, error)
}

// New builds the payout channel selected by cfg.Mode.
func New(cfg config.PayoutConfig, log *logger.Logger) (Channel, error) {
	switch cfg.Mode {
	case "stripe":
		return NewStripeChannel(cfg.StripeSecretKey, log)
	case "dryrun", "":
		log.Warn("PAYOUT", "Payouts run in dry-run mode, no money will move")
		return NewDryRunChannel(log), nil
	default:
		return nil, fmt.Errorf("unknown payout mode %q", cfg.Mode)
	}
}
