package ledger_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ticket-ledger/internal/auth"
	"ticket-ledger/internal/ledger"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/sse"
	qr "ticket-ledger/internal/tickets/qr_genrator"
	"ticket-ledger/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const qrSize = 256

type Handler struct {
	Ledger      *ledger.Service
	Emitter     *sse.LedgerEventEmitter
	QRGenerator *qr.QRGenerator
	Logger      *logger.Logger
}

func NewHandler(svc *ledger.Service, emitter *sse.LedgerEventEmitter, qrGen *qr.QRGenerator, log *logger.Logger) *Handler {
	return &Handler{
		Ledger:      svc,
		Emitter:     emitter,
		QRGenerator: qrGen,
		Logger:      log,
	}
}

// Router builds the HTTP surface. authn guards every route except health
// and the public ownership and receipt checks.
func (h *Handler) Router(authn func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	// --- Public Routes ---
	r.Get("/health", h.Health)
	r.Get("/api/tickets/{ticketId}/verify", h.VerifyOwner)
	r.Post("/api/tickets/{ticketId}/receipt", h.VerifyReceipt)

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(authn)

		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Route("/{eventId}", func(r chi.Router) {
				r.Get("/", h.GetEvent)
				r.Post("/cancel", h.CancelEvent)
				r.Post("/tickets", h.Purchase)
				r.Get("/balance", h.GetBalance)
				r.Post("/withdraw", h.Withdraw)
				r.Get("/withdrawals", h.ListWithdrawals)
				r.Get("/stream", h.StreamEvent)
			})
		})

		r.Route("/api/tickets", func(r chi.Router) {
			r.Get("/", h.ListMyTickets)
			r.Post("/scan", h.ScanQR)
			r.Get("/{ticketId}", h.GetTicket)
			r.Post("/{ticketId}/transfer", h.Transfer)
			r.Get("/{ticketId}/qr", h.TicketQR)
		})
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start).String())
	})
}

// ---------------- HELPERS ----------------

func caller(r *http.Request) models.Identity {
	return models.Identity(auth.UserID(r.Context()))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer: %w", name, models.ErrInvalidArgument)
	}
	return id, nil
}

// statusFor maps ledger error kinds to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, "Not allowed"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, "Invalid state"
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusConflict, "Sold out"
	case errors.Is(err, models.ErrPaymentMismatch):
		return http.StatusBadRequest, "Payment does not match price"
	case errors.Is(err, models.ErrNothingToWithdraw):
		return http.StatusConflict, "Nothing to withdraw"
	case errors.Is(err, models.ErrPayoutFailed):
		return http.StatusBadGateway, "Payout failed"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, err.Error()))
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v: %w", err, models.ErrInvalidArgument)
	}
	return nil
}

// ---------------- EVENTS ----------------

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := h.Ledger.ListEvents(r.Context())
	if err != nil {
		h.fail(w, "ListEvents", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Events", list))
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEventRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, "CreateEvent", err)
		return
	}

	id, err := h.Ledger.CreateEvent(r.Context(), caller(r), req.Name, req.ScheduledAt, req.Price, req.Capacity)
	if err != nil {
		h.fail(w, "CreateEvent", err)
		return
	}

	event, err := h.Ledger.GetEvent(r.Context(), id)
	if err != nil {
		h.fail(w, "CreateEvent", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Event created", event))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "GetEvent", err)
		return
	}
	event, err := h.Ledger.GetEvent(r.Context(), models.EventID(id))
	if err != nil {
		h.fail(w, "GetEvent", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event", event))
}

func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "CancelEvent", err)
		return
	}
	if err := h.Ledger.CancelEvent(r.Context(), models.EventID(id), caller(r)); err != nil {
		h.fail(w, "CancelEvent", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event canceled", nil))
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "Purchase", err)
		return
	}
	var req models.PurchaseRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, "Purchase", err)
		return
	}

	receipt, err := h.Ledger.Purchase(r.Context(), models.EventID(id), caller(r), req.PaidAmount)
	if err != nil {
		h.fail(w, "Purchase", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Ticket purchased", receipt))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "GetBalance", err)
		return
	}
	amount, err := h.Ledger.EventBalance(r.Context(), models.EventID(id), caller(r))
	if err != nil {
		h.fail(w, "GetBalance", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Balance", models.EventBalance{
		EventID:   models.EventID(id),
		Amount:    amount,
		UpdatedAt: time.Now().UTC(),
	}))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "Withdraw", err)
		return
	}
	withdrawal, err := h.Ledger.Withdraw(r.Context(), models.EventID(id), caller(r))
	if err != nil {
		h.fail(w, "Withdraw", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Funds withdrawn", withdrawal))
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "eventId")
	if err != nil {
		h.fail(w, "ListWithdrawals", err)
		return
	}
	list, err := h.Ledger.Withdrawals(r.Context(), models.EventID(id), caller(r))
	if err != nil {
		h.fail(w, "ListWithdrawals", err)
		return
	}
	if list == nil {
		list = []models.Withdrawal{}
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Withdrawals", list))
}

// ---------------- TICKETS ----------------

func (h *Handler) ListMyTickets(w http.ResponseWriter, r *http.Request) {
	list, err := h.Ledger.TicketsByOwner(r.Context(), caller(r))
	if err != nil {
		h.fail(w, "ListMyTickets", err)
		return
	}
	if list == nil {
		list = []models.Ticket{}
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tickets", list))
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ticketId")
	if err != nil {
		h.fail(w, "GetTicket", err)
		return
	}
	ticket, err := h.Ledger.GetTicket(r.Context(), models.TicketID(id))
	if err != nil {
		h.fail(w, "GetTicket", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket", ticket))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ticketId")
	if err != nil {
		h.fail(w, "Transfer", err)
		return
	}
	var req models.TransferRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, "Transfer", err)
		return
	}

	if err := h.Ledger.TransferTicket(r.Context(), models.TicketID(id), caller(r), req.To); err != nil {
		h.fail(w, "Transfer", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket transferred", nil))
}

type ownershipResponse struct {
	TicketID models.TicketID `json:"ticket_id"`
	Owner    models.Identity `json:"owner"`
	Owned    bool            `json:"owned"`
}

// VerifyOwner answers whether ?owner= currently holds the ticket. Unknown
// tickets are reported as not owned rather than as an error.
func (h *Handler) VerifyOwner(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ticketId")
	if err != nil {
		h.fail(w, "VerifyOwner", err)
		return
	}
	owner := models.Identity(r.URL.Query().Get("owner"))
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ownership", ownershipResponse{
		TicketID: models.TicketID(id),
		Owner:    owner,
		Owned:    h.Ledger.VerifyTicketOwner(r.Context(), models.TicketID(id), owner),
	}))
}

type receiptRequest struct {
	Buyer       models.Identity `json:"buyer"`
	ReceiptHash string          `json:"receipt_hash"`
}

type receiptResponse struct {
	TicketID models.TicketID `json:"ticket_id"`
	Verified bool            `json:"verified"`
}

// VerifyReceipt checks a purchase receipt against the ticket it names.
func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ticketId")
	if err != nil {
		h.fail(w, "VerifyReceipt", err)
		return
	}
	var req receiptRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, "VerifyReceipt", err)
		return
	}
	if req.Buyer == "" || req.ReceiptHash == "" {
		h.fail(w, "VerifyReceipt", fmt.Errorf("buyer and receipt_hash are required: %w", models.ErrInvalidArgument))
		return
	}

	ok, err := h.Ledger.VerifyReceipt(r.Context(), models.TicketID(id), req.Buyer, req.ReceiptHash)
	if err != nil {
		h.fail(w, "VerifyReceipt", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Receipt", receiptResponse{
		TicketID: models.TicketID(id),
		Verified: ok,
	}))
}

// TicketQR renders the caller's ticket as an encrypted QR code.
func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ticketId")
	if err != nil {
		h.fail(w, "TicketQR", err)
		return
	}
	ticket, err := h.Ledger.GetTicket(r.Context(), models.TicketID(id))
	if err != nil {
		h.fail(w, "TicketQR", err)
		return
	}
	if ticket.Owner != caller(r) {
		h.fail(w, "TicketQR", fmt.Errorf("ticket %d: %w", id, models.ErrUnauthorized))
		return
	}

	png, err := h.QRGenerator.GenerateEncryptedQR(ticket, qrSize)
	if err != nil {
		h.fail(w, "TicketQR", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type scanRequest struct {
	EncryptedQR string `json:"encrypted_qr"`
}

type scanResponse struct {
	Ticket models.Ticket `json:"ticket"`
	// Current is false when the ticket changed hands after the QR was issued.
	Current bool `json:"current"`
}

// ScanQR decrypts a presented QR payload and checks it against the ledger.
func (h *Handler) ScanQR(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, "ScanQR", err)
		return
	}
	if req.EncryptedQR == "" {
		h.fail(w, "ScanQR", fmt.Errorf("encrypted_qr is required: %w", models.ErrInvalidArgument))
		return
	}

	sealed, err := h.QRGenerator.Open(req.EncryptedQR)
	if err != nil {
		h.fail(w, "ScanQR", fmt.Errorf("%v: %w", err, models.ErrInvalidArgument))
		return
	}
	ticket, err := h.Ledger.GetTicket(r.Context(), sealed.ID)
	if err != nil {
		h.fail(w, "ScanQR", err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Scanned", scanResponse{
		Ticket:  ticket,
		Current: ticket.ReceiptHash == sealed.ReceiptHash && h.Ledger.VerifyTicketOwner(r.Context(), ticket.ID, sealed.Owner),
	}))
}
