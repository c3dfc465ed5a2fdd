package analytics_api

import (
	"context"
	"fmt"

	"ticket-ledger/internal/models"
)

// verifyEventOwnership checks if the user organizes the event
func (h *Handler) verifyEventOwnership(ctx context.Context, eventID models.EventID, userID models.Identity) (bool, error) {
	event, err := h.Events.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	owned := userID != "" && event.Organizer == userID
	h.Logger.Debug("ANALYTICS", fmt.Sprintf("User %s ownership of event %d: %v", userID, eventID, owned))
	return owned, nil
}

// verifyBatchEventOwnership returns the subset of eventIDs the user organizes,
// without duplicates and in request order.
func (h *Handler) verifyBatchEventOwnership(ctx context.Context, eventIDs []models.EventID, userID models.Identity) []models.EventID {
	seen := make(map[models.EventID]bool, len(eventIDs))
	owned := make([]models.EventID, 0, len(eventIDs))
	for _, id := range eventIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if ok, err := h.verifyEventOwnership(ctx, id, userID); err == nil && ok {
			owned = append(owned, id)
		}
	}
	return owned
}
