package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/config"
	"github.com/kofiamankwah/stitchpay/internal/escrow"
	"github.com/kofiamankwah/stitchpay/internal/gateway"
	"github.com/kofiamankwah/stitchpay/internal/lifecycle"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/notify"
	"github.com/kofiamankwah/stitchpay/internal/reconcile"
	"github.com/kofiamankwah/stitchpay/internal/retry"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

func newTestRouter(t *testing.T, mem *store.Memory, gatewayURL string) *mux.Router {
	t.Helper()
	em, err := escrow.NewManager(mem, escrow.DefaultSplitPolicy(), nil)
	require.NoError(t, err)
	machine := lifecycle.NewMachine(mem, &notify.LogNotifier{Logger: zap.NewNop()}, nil)
	gwCfg := config.GatewayConfig{
		BaseURL:         gatewayURL,
		ClientID:        "client",
		ClientSecret:    "secret",
		WebhookSecret:   "webhook-secret",
		CallbackBaseURL: "https://example.test",
		RequestTimeout:  5 * time.Second,
		PollTimeout:     5 * time.Second,
	}
	retryCfg := retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	gw := gateway.NewClient(gwCfg, retryCfg, retry.NewBreaker(100, time.Minute, nil), nil)
	orch := reconcile.NewOrchestrator(mem, gw, em, machine, nil)
	h := NewHandler(mem, em, machine, orch, gw, nil)

	r := mux.NewRouter()
	h.Register(r.PathPrefix("/api/v1").Subrouter())
	return r
}

func seedOrder(t *testing.T, mem *store.Memory) *models.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		CustomerID:    "cust-1",
		TailorID:      "tailor-1",
		Status:        models.StatusSubmitted,
		EscrowStage:   models.StageDeposit,
		TotalAmount:   decimal.RequireFromString("1000.00"),
		DepositAmount: decimal.RequireFromString("250.00"),
		FittingAmount: decimal.RequireFromString("500.00"),
		FinalAmount:   decimal.RequireFromString("250.00"),
		EscrowBalance: decimal.RequireFromString("1000.00"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, mem.CreateOrder(context.Background(), order))
	return order
}

func postPayment(r *mux.Router, orderID uuid.UUID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/orders/%s/payments", orderID), bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// pendingTxns returns PENDING payment rows regardless of age.
func pendingTxns(t *testing.T, mem *store.Memory) []models.PaymentTransaction {
	t.Helper()
	txns, err := mem.ListPendingPaymentTransactions(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	return txns
}

func TestInitiatePaymentRowCommitsBeforeGatewayCall(t *testing.T) {
	mem := store.NewMemory()
	var sawPendingRow bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The audit row must already be on record when the charge goes out.
		sawPendingRow = len(pendingTxns(t, mem)) == 1
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ResponseCode":"0001","Message":"pending confirmation","Data":{"TransactionId":"hub-55","CheckoutDirectUrl":"https://pay.test/hub-55"}}`))
	}))
	defer srv.Close()

	router := newTestRouter(t, mem, srv.URL)
	order := seedOrder(t, mem)

	rec := postPayment(router, order.ID, `{"type":"DEPOSIT","payer_contact":"0244123456"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, sawPendingRow)

	var resp struct {
		Transaction models.PaymentTransaction `json:"transaction"`
		PaymentURL  string                    `json:"payment_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://pay.test/hub-55", resp.PaymentURL)

	gotTxn, err := mem.GetPaymentTransaction(context.Background(), resp.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, gotTxn.Status)
	require.NotNil(t, gotTxn.GatewayTransactionID)
	assert.Equal(t, "hub-55", *gotTxn.GatewayTransactionID)
}

func TestInitiatePaymentGatewayOutageKeepsRowPending(t *testing.T) {
	mem := store.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	router := newTestRouter(t, mem, srv.URL)
	order := seedOrder(t, mem)

	rec := postPayment(router, order.ID, `{"type":"DEPOSIT","payer_contact":"0244123456"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The charge may still be in flight on the provider side: the row stays
	// PENDING so a late webhook or the poller can settle it.
	txns := pendingTxns(t, mem)
	require.Len(t, txns, 1)
	assert.Equal(t, order.ID, txns[0].OrderID)
	assert.Equal(t, models.TxnDeposit, txns[0].Type)
	assert.NotEmpty(t, txns[0].Message)
}

func TestInitiatePaymentGatewayRejectionFailsRow(t *testing.T) {
	mem := store.NewMemory()
	var txnID uuid.UUID
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if txns := pendingTxns(t, mem); len(txns) == 1 {
			txnID = txns[0].ID
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"Message":"invalid channel"}`))
	}))
	defer srv.Close()

	router := newTestRouter(t, mem, srv.URL)
	order := seedOrder(t, mem)

	rec := postPayment(router, order.ID, `{"type":"DEPOSIT","payer_contact":"0244123456"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A definitive rejection settles the attempt but keeps it on record.
	require.NotEqual(t, uuid.Nil, txnID)
	gotTxn, err := mem.GetPaymentTransaction(context.Background(), txnID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, gotTxn.Status)
	assert.NotEmpty(t, gotTxn.Message)
}

func TestInitiatePaymentInvalidContactWritesNoRow(t *testing.T) {
	mem := store.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called for an invalid contact")
	}))
	defer srv.Close()

	router := newTestRouter(t, mem, srv.URL)
	order := seedOrder(t, mem)

	rec := postPayment(router, order.ID, `{"type":"DEPOSIT","payer_contact":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, pendingTxns(t, mem))
}
