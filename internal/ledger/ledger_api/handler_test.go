package ledger_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ticket-ledger/internal/auth"
	"ticket-ledger/internal/ledger"
	"ticket-ledger/internal/lock"
	"ticket-ledger/internal/logger"
	"ticket-ledger/internal/models"
	"ticket-ledger/internal/notify"
	"ticket-ledger/internal/payout"
	"ticket-ledger/internal/sse"
	qr "ticket-ledger/internal/tickets/qr_genrator"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPayout struct{}

func (failingPayout) Pay(ctx context.Context, req models.PayoutRequest) (string, error) {
	return "", errors.New("bank unavailable")
}

type testAPI struct {
	handler http.Handler
	svc     *ledger.Service
	qr      *qr.QRGenerator
	emitter *sse.LedgerEventEmitter
}

func setupAPI(t *testing.T, channel ledger.PayoutChannel) *testAPI {
	t.Helper()
	log := logger.New(io.Discard)
	if channel == nil {
		channel = payout.NewDryRunChannel(log)
	}
	emitter := sse.NewLedgerEventEmitter()
	svc := ledger.NewService(ledger.Options{
		Locks:    lock.NewTable(),
		Payout:   channel,
		Notifier: notify.Fanout{emitter},
		Logger:   log,
	})
	qrGen := qr.NewQRGenerator("test-qr-secret")
	h := NewHandler(svc, emitter, qrGen, log)
	return &testAPI{
		handler: h.Router(auth.Middleware(auth.UnverifiedResolver{}, log)),
		svc:     svc,
		qr:      qrGen,
		emitter: emitter,
	}
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": user}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return "Bearer " + token
}

func (a *testAPI) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("Authorization", bearer(t, user))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

// envelope decodes the response wrapper and unmarshals data into out.
func envelope(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) (bool, string) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	if out != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
	return resp.Success, resp.Error
}

func (a *testAPI) createEvent(t *testing.T, organizer string, price, capacity int64) models.EventID {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/events", organizer, models.CreateEventRequest{
		Name:        "Conf",
		ScheduledAt: time.Now().Add(72 * time.Hour).UTC(),
		Price:       price,
		Capacity:    capacity,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var event models.Event
	envelope(t, rec, &event)
	return event.ID
}

func TestHealth_IsPublic(t *testing.T) {
	api := setupAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	api := setupAPI(t, nil)
	rec := api.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPurchaseFlow(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 100, 2)
	path := fmt.Sprintf("/api/events/%d/tickets", eventID)

	rec := api.do(t, http.MethodPost, path, "alice", models.PurchaseRequest{PaidAmount: 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt models.Receipt
	envelope(t, rec, &receipt)
	assert.Equal(t, models.TicketID(1), receipt.TicketID)
	assert.Equal(t, models.Identity("alice"), receipt.Buyer)
	assert.NotEmpty(t, receipt.ReceiptHash)

	rec = api.do(t, http.MethodPost, path, "bob", models.PurchaseRequest{PaidAmount: 50})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, path, "bob", models.PurchaseRequest{PaidAmount: 100})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, path, "carol", models.PurchaseRequest{PaidAmount: 100})
	assert.Equal(t, http.StatusConflict, rec.Code)
	_, errMsg := envelope(t, rec, nil)
	assert.Contains(t, errMsg, "sold out")

	rec = api.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d", eventID), "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var event models.Event
	envelope(t, rec, &event)
	assert.Equal(t, int64(2), event.Sold)
}

func TestErrorMapping(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 100, 1)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		status int
	}{
		{"unknown event", http.MethodGet, "/api/events/99", "alice", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/events/abc", "alice", nil, http.StatusBadRequest},
		{"zero id", http.MethodGet, "/api/tickets/0", "alice", nil, http.StatusBadRequest},
		{"cancel by stranger", http.MethodPost, fmt.Sprintf("/api/events/%d/cancel", eventID), "alice", nil, http.StatusForbidden},
		{"balance by stranger", http.MethodGet, fmt.Sprintf("/api/events/%d/balance", eventID), "alice", nil, http.StatusForbidden},
		{"withdraw empty balance", http.MethodPost, fmt.Sprintf("/api/events/%d/withdraw", eventID), "org", nil, http.StatusConflict},
		{"invalid create", http.MethodPost, "/api/events", "org", models.CreateEventRequest{Name: "Conf", Capacity: 0}, http.StatusBadRequest},
		{"transfer unknown ticket", http.MethodPost, "/api/tickets/5/transfer", "alice", models.TransferRequest{To: "bob"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			ok, _ := envelope(t, rec, nil)
			assert.False(t, ok)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader("{"))
	req.Header.Set("Authorization", bearer(t, "org"))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelThenPurchase(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 10, 5)

	rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/cancel", eventID), "org", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), "alice", models.PurchaseRequest{PaidAmount: 10})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWithdrawFlow(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 100, 3)
	for _, buyer := range []string{"a", "b"} {
		rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), buyer, models.PurchaseRequest{PaidAmount: 100})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := api.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d/balance", eventID), "org", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance models.EventBalance
	envelope(t, rec, &balance)
	assert.Equal(t, int64(200), balance.Amount)

	rec = api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/withdraw", eventID), "org", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withdrawal models.Withdrawal
	envelope(t, rec, &withdrawal)
	assert.Equal(t, int64(200), withdrawal.Amount)
	assert.Equal(t, models.WithdrawalPaid, withdrawal.Status)

	rec = api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/withdraw", eventID), "org", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d/withdrawals", eventID), "org", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Withdrawal
	envelope(t, rec, &list)
	assert.NotNil(t, list)
}

func TestWithdraw_PayoutFailureIsBadGateway(t *testing.T) {
	api := setupAPI(t, failingPayout{})
	eventID := api.createEvent(t, "org", 100, 3)
	rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), "a", models.PurchaseRequest{PaidAmount: 100})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/withdraw", eventID), "org", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	amount, err := api.svc.EventBalance(context.Background(), eventID, "org")
	require.NoError(t, err)
	assert.Equal(t, int64(100), amount)
}

func TestTransferAndVerify(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 0, 1)
	rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), "alice", models.PurchaseRequest{PaidAmount: 0})
	require.Equal(t, http.StatusCreated, rec.Code)

	verify := func(owner string) bool {
		rec := api.do(t, http.MethodGet, "/api/tickets/1/verify?owner="+owner, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ownershipResponse
		envelope(t, rec, &resp)
		return resp.Owned
	}
	assert.True(t, verify("alice"))

	rec = api.do(t, http.MethodPost, "/api/tickets/1/transfer", "mallory", models.TransferRequest{To: "mallory"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/tickets/1/transfer", "alice", models.TransferRequest{To: "dave"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, verify("alice"))
	assert.True(t, verify("dave"))

	rec = api.do(t, http.MethodGet, "/api/tickets", "dave", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []models.Ticket
	envelope(t, rec, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, models.TicketID(1), mine[0].ID)

	rec = api.do(t, http.MethodGet, "/api/tickets", "alice", nil)
	var none []models.Ticket
	envelope(t, rec, &none)
	assert.Empty(t, none)
}

func TestVerifyReceipt_IsPublic(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 0, 1)
	rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), "alice", models.PurchaseRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	var receipt models.Receipt
	envelope(t, rec, &receipt)
	require.NotEmpty(t, receipt.ReceiptHash)

	check := func(buyer, hash string) bool {
		rec := api.do(t, http.MethodPost, "/api/tickets/1/receipt", "", receiptRequest{Buyer: models.Identity(buyer), ReceiptHash: hash})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp receiptResponse
		envelope(t, rec, &resp)
		return resp.Verified
	}
	assert.True(t, check("alice", receipt.ReceiptHash))
	assert.False(t, check("mallory", receipt.ReceiptHash))
	assert.False(t, check("alice", "0xdeadbeef"))

	rec = api.do(t, http.MethodPost, "/api/tickets/1/transfer", "alice", models.TransferRequest{To: "dave"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, check("alice", receipt.ReceiptHash), "the receipt stays with the original buyer")

	rec = api.do(t, http.MethodPost, "/api/tickets/9/receipt", "", receiptRequest{Buyer: "alice", ReceiptHash: receipt.ReceiptHash})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/tickets/1/receipt", "", receiptRequest{Buyer: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTicketQRAndScan(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 0, 2)
	rec := api.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/tickets", eventID), "alice", models.PurchaseRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/tickets/1/qr", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/tickets/1/qr", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	ticket, err := api.svc.GetTicket(context.Background(), 1)
	require.NoError(t, err)
	token, err := api.qr.Seal(ticket)
	require.NoError(t, err)

	scan := func() scanResponse {
		rec := api.do(t, http.MethodPost, "/api/tickets/scan", "gate", scanRequest{EncryptedQR: token})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp scanResponse
		envelope(t, rec, &resp)
		return resp
	}
	assert.True(t, scan().Current)

	require.NoError(t, api.svc.TransferTicket(context.Background(), 1, "alice", "bob"))
	resp := scan()
	assert.False(t, resp.Current, "QR issued to the previous owner is stale")
	assert.Equal(t, models.Identity("bob"), resp.Ticket.Owner)

	rec = api.do(t, http.MethodPost, "/api/tickets/scan", "gate", scanRequest{EncryptedQR: "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEvent(t *testing.T) {
	api := setupAPI(t, nil)
	eventID := api.createEvent(t, "org", 5, 10)

	rec := api.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d/stream", eventID), "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/events/%d/stream", srv.URL, eventID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, "org"))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}
	require.Equal(t, "connected", readEvent())
	require.Eventually(t, func() bool { return api.emitter.GetEventClientCount(eventID) == 1 }, time.Second, 5*time.Millisecond)

	_, err = api.svc.Purchase(context.Background(), eventID, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, string(models.NotificationPurchase), readEvent())
}
