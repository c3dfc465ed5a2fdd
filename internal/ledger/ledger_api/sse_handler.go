package ledger_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ticket-ledger/internal/models"
)

// StreamEvent streams committed notifications of one event to its organizer.
func (h *Handler) StreamEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "StreamEvent", err)
		return
	}
	eventID := models.EventID(id)

	event, err := h.Ledger.GetEvent(r.Context(), eventID)
	if err != nil {
		h.fail(w, "StreamEvent", err)
		return
	}
	if event.Organizer != caller(r) {
		h.fail(w, "StreamEvent", fmt.Errorf("event %d: %w", eventID, models.ErrUnauthorized))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// streams outlive the server's WriteTimeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	setupSSEHeaders(w)

	ctx := r.Context()
	eventChan := h.Emitter.SubscribeToEvent(ctx, eventID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"event_id\":%d}\n\n", eventID)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client connected to notifications of event %d", eventID))

	for {
		select {
		case n, ok := <-eventChan:
			if !ok {
				h.Logger.Debug("SSE", fmt.Sprintf("Channel closed for event: %d", eventID))
				return
			}

			jsonData, err := json.Marshal(n)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize notification: %v", err))
				continue
			}

			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Type, jsonData)
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from event %d", eventID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
