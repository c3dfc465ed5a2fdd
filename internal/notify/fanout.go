package notify

import (
	"context"

	"ticket-ledger/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Fanout delivers every notification to each sink in order. Sinks must not
// block: they run inside the ledger's after-commit step.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n models.Notification) {
	for _, sink := range f {
		if sink != nil {
			sink.Notify(ctx, n)
		}
	}
}
