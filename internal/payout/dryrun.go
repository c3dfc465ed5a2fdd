package payout

import (
	"context"
	"fmt"

	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
)

// DryRunChannel logs payouts and reports success without moving money.
type DryRunChannel struct {
	log *logger.Logger
}

func NewDryRunChannel(log *logger.Logger) *DryRunChannel {
	return &DryRunChannel{log: log}
}

func (d *DryRunChannel) Pay(ctx context.Context, req models.PayoutRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.log.Info("PAYOUT", fmt.Sprintf("[dry-run] would pay %d %s to %s for event %d", req.Amount, req.Currency, req.Organizer, req.EventID))
	return "dryrun_" + req.IdempotencyKey, nil
}
