package analytics_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"ticket-ledger/internal/analytics"
	"ticket-ledger/internal/auth"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/utils"

	"github.com/go-chi/chi/v5"
)

// EventLookup resolves events for the organizer check.
type EventLookup interface {
	GetEvent(ctx context.Context, eventID models.EventID) (models.Event, error)
}

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service *analytics.Service
	Events  EventLookup
	Logger  *logger.Logger
}

// NewHandler creates a new analytics handler
func NewHandler(service *analytics.Service, events EventLookup, logger *logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Events:  events,
		Logger:  logger,
	}
}

// RegisterRoutes registers the analytics routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/analytics/events", func(r chi.Router) {
		r.Get("/{eventId}", h.GetEventAnalytics)
		r.Post("/batch", h.GetBatchEventAnalytics)
	})
}

// GetEventAnalytics handles GET /api/analytics/events/{eventId}
func (h *Handler) GetEventAnalytics(w http.ResponseWriter, r *http.Request) {
	userID := models.Identity(auth.UserID(r.Context()))

	id, err := strconv.ParseInt(chi.URLParam(r, "eventId"), 10, 64)
	if err != nil || id <= 0 {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "eventId must be a positive integer"))
		return
	}
	eventID := models.EventID(id)

	owned, err := h.verifyEventOwnership(r.Context(), eventID, userID)
	if err != nil {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", err.Error()))
		return
	}
	if !owned {
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Not allowed", "only the organizer can view event analytics"))
		return
	}

	result, err := h.Service.GetEventAnalytics(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to get analytics for event %d: %v", eventID, err))
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNotFound) {
			status = http.StatusNotFound
		}
		utils.WriteJSON(w, status, utils.ErrorResponse("Failed to get analytics", err.Error()))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event analytics", result))
}

type batchRequest struct {
	EventIDs []models.EventID `json:"event_ids"`
}

// GetBatchEventAnalytics handles POST /api/analytics/events/batch. Events the
// caller does not organize are silently left out.
func (h *Handler) GetBatchEventAnalytics(w http.ResponseWriter, r *http.Request) {
	userID := models.Identity(auth.UserID(r.Context()))

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", err.Error()))
		return
	}

	owned := h.verifyBatchEventOwnership(r.Context(), req.EventIDs, userID)
	h.Logger.Debug("ANALYTICS", fmt.Sprintf("User %s owns %d of %d requested events", userID, len(owned), len(req.EventIDs)))

	result, err := h.Service.GetBatchEventAnalytics(r.Context(), owned)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to get batch analytics: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to get analytics", err.Error()))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Batch analytics", result))
}
