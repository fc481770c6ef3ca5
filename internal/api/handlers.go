package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/escrow"
	"github.com/kofiamankwah/stitchpay/internal/gateway"
	"github.com/kofiamankwah/stitchpay/internal/lifecycle"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/reconcile"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchpay_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stitchpay_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store        store.Store
	escrow       *escrow.Manager
	machine      *lifecycle.Machine
	orchestrator *reconcile.Orchestrator
	gateway      *gateway.Client
	logger       *zap.Logger
}

func NewHandler(s store.Store, em *escrow.Manager, lm *lifecycle.Machine, o *reconcile.Orchestrator, gw *gateway.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, escrow: em, machine: lm, orchestrator: o, gateway: gw, logger: logger}
}

// Register wires all routes onto the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/orders", h.CreateOrderHandler).Methods("POST")
	r.HandleFunc("/orders/{id}", h.GetOrderHandler).Methods("GET")
	r.HandleFunc("/orders/{id}/payments", h.InitiatePaymentHandler).Methods("POST")
	r.HandleFunc("/orders/{id}/events", h.ApplyEventHandler).Methods("POST")
	r.HandleFunc("/orders/{id}/milestones/approve", h.ApproveMilestoneHandler).Methods("POST")
	r.HandleFunc("/orders/{id}/escrow/validate", h.ValidateEscrowHandler).Methods("GET")
	r.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods("GET")
	r.HandleFunc("/webhooks/hubtel", h.WebhookHandler).Methods("POST")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createOrderRequest struct {
	CustomerID  string          `json:"customer_id"`
	TailorID    string          `json:"tailor_id"`
	Description string          `json:"description"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (h *Handler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/orders"))
	defer timer.ObserveDuration()

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/orders")
		return
	}
	if req.CustomerID == "" || req.TailorID == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "customer_id and tailor_id are required", "POST", "/orders")
		return
	}
	if req.TotalAmount.LessThanOrEqual(decimal.Zero) {
		h.respondError(w, http.StatusUnprocessableEntity, "Positive total_amount required", "POST", "/orders")
		return
	}

	split, err := h.escrow.Split(req.TotalAmount)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/orders")
		return
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		CustomerID:    req.CustomerID,
		TailorID:      req.TailorID,
		Description:   req.Description,
		Status:        models.StatusSubmitted,
		EscrowStage:   models.StageDeposit,
		Progress:      lifecycle.ProgressFor(models.StatusSubmitted),
		TotalAmount:   req.TotalAmount,
		DepositAmount: split.Deposit,
		FittingAmount: split.Fitting,
		FinalAmount:   split.Final,
		EscrowBalance: req.TotalAmount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.store.CreateOrder(r.Context(), order); err != nil {
		h.logger.Error("order create failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "System error creating order", "POST", "/orders")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/orders/%s", order.ID))
	h.respondJSON(w, http.StatusCreated, order, "POST", "/orders")
}

func (h *Handler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order id", "GET", "/orders/{id}")
		return
	}

	order, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.respondError(w, http.StatusNotFound, "Order not found", "GET", "/orders/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/orders/{id}")
		return
	}

	history, err := h.store.ListStatusHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/orders/{id}")
		return
	}
	escrowLog, err := h.store.ListEscrowTransactions(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/orders/{id}")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"order":               order,
		"status_history":      history,
		"escrow_transactions": escrowLog,
	}, "GET", "/orders/{id}")
}

type initiatePaymentRequest struct {
	Type         models.TransactionType `json:"type"`
	PayerContact string                 `json:"payer_contact"`
}

func (h *Handler) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/orders/{id}/payments"))
	defer timer.ObserveDuration()

	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order id", "POST", "/orders/{id}/payments")
		return
	}

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/orders/{id}/payments")
		return
	}

	order, err := h.store.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.respondError(w, http.StatusNotFound, "Order not found", "POST", "/orders/{id}/payments")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/orders/{id}/payments")
		return
	}
	if order.Status.IsTerminal() {
		h.respondError(w, http.StatusUnprocessableEntity, "Order is closed", "POST", "/orders/{id}/payments")
		return
	}

	amount := order.InstallmentAmount(req.Type)
	if amount.IsZero() {
		h.respondError(w, http.StatusUnprocessableEntity, "Unknown installment type", "POST", "/orders/{id}/payments")
		return
	}

	// Contact validation happens before any row is written: a charge that can
	// never reach the gateway is not an attempt.
	msisdn, err := gateway.NormalizeMSISDN(req.PayerContact)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/orders/{id}/payments")
		return
	}
	if _, err := gateway.ResolveChannel(msisdn); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/orders/{id}/payments")
		return
	}

	// The PENDING row commits before the gateway is called, so a charge that
	// succeeds remotely can always be reconciled by its client reference even
	// if this process dies mid-flight. Each initiation attempt is a fresh row;
	// a retried charge never reuses an old transaction id.
	txn := &models.PaymentTransaction{
		ID:                    uuid.New(),
		OrderID:               orderID,
		Type:                  req.Type,
		Amount:                amount,
		Provider:              "hubtel",
		ProviderTransactionID: uuid.NewString(),
		Status:                models.PaymentPending,
		CreatedAt:             time.Now().UTC(),
	}
	if err := h.store.CreatePaymentTransaction(r.Context(), txn); err != nil {
		h.logger.Error("payment transaction insert failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/orders/{id}/payments")
		return
	}

	desc := fmt.Sprintf("%s installment for order %s", req.Type, orderID)
	result, err := h.gateway.InitiatePayment(r.Context(), amount, req.PayerContact, desc, txn.ProviderTransactionID)
	if err != nil {
		h.logger.Warn("payment initiation failed",
			zap.String("order_id", orderID.String()),
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		var httpErr *gateway.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			// Definitive rejection: settle the row so it stops looking live.
			failUpd := models.PaymentStatusUpdate{Status: models.PaymentFailed, Message: err.Error()}
			if uerr := h.store.UpdatePaymentTransactionStatus(r.Context(), txn.ID, failUpd); uerr != nil {
				h.logger.Error("payment transaction update failed", zap.Error(uerr))
			}
			h.respondError(w, http.StatusUnprocessableEntity, "Payment rejected by gateway, will not retry", "POST", "/orders/{id}/payments")
			return
		}
		// Transient fault: the charge may still be in flight on the provider
		// side, so the row stays PENDING for webhook or polling reconciliation.
		upd := models.PaymentStatusUpdate{Status: models.PaymentPending, Message: err.Error()}
		if uerr := h.store.UpdatePaymentTransactionStatus(r.Context(), txn.ID, upd); uerr != nil {
			h.logger.Error("payment transaction update failed", zap.Error(uerr))
		}
		h.respondError(w, http.StatusBadGateway, "Payment gateway unavailable, please retry", "POST", "/orders/{id}/payments")
		return
	}

	upd := models.PaymentStatusUpdate{Status: result.Status, Message: result.Message}
	if result.GatewayTransactionID != "" {
		upd.GatewayTransactionID = &result.GatewayTransactionID
	}
	if err := h.store.UpdatePaymentTransactionStatus(r.Context(), txn.ID, upd); err != nil {
		// The charge is in flight; reconciliation will settle the row by its
		// client reference.
		h.logger.Error("payment transaction update failed", zap.Error(err))
	}
	txn.Status = result.Status
	txn.GatewayTransactionID = upd.GatewayTransactionID
	txn.Message = result.Message

	h.respondJSON(w, http.StatusCreated, map[string]any{
		"transaction": txn,
		"payment_url": result.PaymentURL,
	}, "POST", "/orders/{id}/payments")
}

type applyEventRequest struct {
	Event lifecycle.Event `json:"event"`
	Actor string          `json:"actor"`
}

func (h *Handler) ApplyEventHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order id", "POST", "/orders/{id}/events")
		return
	}

	var req applyEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/orders/{id}/events")
		return
	}
	if req.Event == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "event is required", "POST", "/orders/{id}/events")
		return
	}

	decision, err := h.machine.Apply(r.Context(), orderID, req.Event, req.Actor)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.respondError(w, http.StatusNotFound, "Order not found", "POST", "/orders/{id}/events")
			return
		}
		if errors.Is(err, store.ErrStatusConflict) {
			h.respondError(w, http.StatusConflict, "Order changed concurrently, please retry", "POST", "/orders/{id}/events")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/orders/{id}/events")
		return
	}
	if !decision.Applied {
		h.respondJSON(w, http.StatusUnprocessableEntity, decision, "POST", "/orders/{id}/events")
		return
	}

	// Cancellation records the refund intent for whatever escrow holds.
	if req.Event == lifecycle.EventCancel {
		if order, err := h.store.GetOrder(r.Context(), orderID); err == nil {
			if _, err := h.escrow.RecordRefundIntent(r.Context(), order, "order cancelled by "+req.Actor); err != nil {
				h.logger.Warn("refund intent append failed",
					zap.String("order_id", orderID.String()),
					zap.Error(err))
			}
		}
	}

	h.respondJSON(w, http.StatusOK, decision, "POST", "/orders/{id}/events")
}

type approveMilestoneRequest struct {
	CurrentStage models.EscrowStage `json:"current_stage"`
	ApprovedBy   string             `json:"approved_by"`
	Notes        string             `json:"notes"`
}

func (h *Handler) ApproveMilestoneHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order id", "POST", "/orders/{id}/milestones/approve")
		return
	}

	var req approveMilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/orders/{id}/milestones/approve")
		return
	}
	if req.ApprovedBy == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "approved_by is required", "POST", "/orders/{id}/milestones/approve")
		return
	}

	result, err := h.escrow.ApproveMilestone(r.Context(), orderID, req.CurrentStage, req.ApprovedBy, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.respondError(w, http.StatusNotFound, "Order not found", "POST", "/orders/{id}/milestones/approve")
		case errors.Is(err, escrow.ErrStageMismatch):
			h.respondError(w, http.StatusConflict, err.Error(), "POST", "/orders/{id}/milestones/approve")
		case errors.Is(err, escrow.ErrNotApprovable), errors.Is(err, escrow.ErrOrderTerminal):
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/orders/{id}/milestones/approve")
		default:
			h.logger.Error("milestone approval failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/orders/{id}/milestones/approve")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, result, "POST", "/orders/{id}/milestones/approve")
}

func (h *Handler) ValidateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid order id", "GET", "/orders/{id}/escrow/validate")
		return
	}

	report, err := h.escrow.ValidateEscrowState(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.respondError(w, http.StatusNotFound, "Order not found", "GET", "/orders/{id}/escrow/validate")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/orders/{id}/escrow/validate")
		return
	}

	h.respondJSON(w, http.StatusOK, report, "GET", "/orders/{id}/escrow/validate")
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid transaction id", "GET", "/transactions/{id}")
		return
	}

	txn, err := h.store.GetPaymentTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/transactions/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/transactions/{id}")
		return
	}

	h.respondJSON(w, http.StatusOK, txn, "GET", "/transactions/{id}")
}

// WebhookHandler hands the raw body and signature header to the orchestrator.
// Unmatched or duplicate notifications are acknowledged with 200 so the
// gateway stops retrying; only signature and parse failures are refused.
func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/webhooks/hubtel"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/webhooks/hubtel")
		return
	}

	outcome, err := h.orchestrator.ProcessWebhook(r.Context(), body, r.Header.Get("X-Hubtel-Signature"))
	if err != nil {
		h.logger.Error("webhook processing failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/webhooks/hubtel")
		return
	}

	switch outcome.Code {
	case reconcile.OutcomeInvalidSignature:
		h.respondJSON(w, http.StatusUnauthorized, outcome, "POST", "/webhooks/hubtel")
	case reconcile.OutcomeMalformed:
		h.respondJSON(w, http.StatusBadRequest, outcome, "POST", "/webhooks/hubtel")
	default:
		h.respondJSON(w, http.StatusOK, outcome, "POST", "/webhooks/hubtel")
	}
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
