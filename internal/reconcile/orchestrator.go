// Package reconcile applies gateway-reported payment status to local state:
// webhooks (push) and status polling (pull), each applied at most once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/escrow"
	"github.com/kofiamankwah/stitchpay/internal/gateway"
	"github.com/kofiamankwah/stitchpay/internal/lifecycle"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

var (
	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchpay_webhooks_total",
		Help: "Webhook deliveries processed, labeled by outcome",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchpay_status_verifications_total",
		Help: "Polling-based status verifications, labeled by result",
	}, []string{"result"})
)

// Gateway is the slice of the payment client the orchestrator needs.
type Gateway interface {
	GetTransactionStatus(ctx context.Context, gatewayTransactionID string) (gateway.StatusResult, error)
	VerifyWebhookSignature(rawPayload []byte, signatureHeader string) bool
	MapProviderStatus(code string) models.PaymentStatus
}

// OutcomeCode classifies a reconciliation attempt.
type OutcomeCode string

const (
	OutcomeApplied          OutcomeCode = "applied"
	OutcomeDuplicate        OutcomeCode = "duplicate"
	OutcomePendingUpdate    OutcomeCode = "pending_update"
	OutcomeInvalidSignature OutcomeCode = "invalid_signature"
	OutcomeMalformed        OutcomeCode = "malformed"
	OutcomeNotFound         OutcomeCode = "not_found"
	OutcomeOrderTerminal    OutcomeCode = "order_terminal"
	OutcomeFailed           OutcomeCode = "failed"
)

// Outcome reports what a webhook delivery did. Expected failure modes are
// outcomes, not errors; only infrastructure faults surface as errors.
type Outcome struct {
	Code          OutcomeCode          `json:"code"`
	Message       string               `json:"message"`
	TransactionID uuid.UUID            `json:"transaction_id,omitempty"`
	Status        models.PaymentStatus `json:"status,omitempty"`
}

// webhookPayload is the provider's notification body. TransactionId is our
// client reference; HubtelTransactionId is the provider-side id.
type webhookPayload struct {
	TransactionID       string `json:"transactionId"`
	Status              string `json:"status"`
	HubtelTransactionID string `json:"hubtelTransactionId"`
	Amount              string `json:"amount"`
	Description         string `json:"description"`
}

type Orchestrator struct {
	store     store.Store
	gateway   Gateway
	escrow    *escrow.Manager
	lifecycle *lifecycle.Machine
	logger    *zap.Logger
}

func NewOrchestrator(s store.Store, gw Gateway, em *escrow.Manager, lm *lifecycle.Machine, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{store: s, gateway: gw, escrow: em, lifecycle: lm, logger: logger}
}

// eventForType maps installment types to the lifecycle event fired on SUCCESS.
var eventForType = map[models.TransactionType]lifecycle.Event{
	models.TxnDeposit:        lifecycle.EventDepositPaid,
	models.TxnFittingPayment: lifecycle.EventFittingPaid,
	models.TxnFinalPayment:   lifecycle.EventFinalPaid,
}

// stateForType is the lifecycle state the payment event leads to; its derived
// stage is what the escrow manager records.
var stateForType = map[models.TransactionType]models.OrderStatus{
	models.TxnDeposit:        models.StatusDepositPaid,
	models.TxnFittingPayment: models.StatusAdjustmentsInProgress,
	models.TxnFinalPayment:   models.StatusDelivered,
}

// ProcessWebhook verifies, parses, and applies one gateway notification.
// Applying the same terminal webhook twice is a no-op. The gateway cannot be
// told to stop retrying, so unmatched notifications are reported as failed
// outcomes rather than raised as faults.
func (o *Orchestrator) ProcessWebhook(ctx context.Context, rawPayload []byte, signatureHeader string) (Outcome, error) {
	if !o.gateway.VerifyWebhookSignature(rawPayload, signatureHeader) {
		o.logger.Warn("webhook signature verification failed")
		return o.outcome(Outcome{Code: OutcomeInvalidSignature, Message: "signature mismatch: webhook rejected"}), nil
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return o.outcome(Outcome{Code: OutcomeMalformed, Message: "malformed webhook payload: " + err.Error()}), nil
	}
	if payload.TransactionID == "" || payload.Status == "" {
		return o.outcome(Outcome{Code: OutcomeMalformed, Message: "webhook payload missing transactionId or status"}), nil
	}

	txn, err := o.store.FindPaymentTransactionByProviderID(ctx, payload.TransactionID)
	if errors.Is(err, store.ErrTransactionNotFound) && payload.HubtelTransactionID != "" {
		txn, err = o.store.FindPaymentTransactionByGatewayID(ctx, payload.HubtelTransactionID)
	}
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			o.logger.Warn("webhook for unknown transaction",
				zap.String("provider_transaction_id", payload.TransactionID),
				zap.String("gateway_transaction_id", payload.HubtelTransactionID))
			return o.outcome(Outcome{Code: OutcomeNotFound, Message: "no matching payment transaction"}), nil
		}
		return Outcome{}, fmt.Errorf("locate payment transaction: %w", err)
	}

	status := o.gateway.MapProviderStatus(payload.Status)

	// Idempotency: a terminal webhook already applied must be a no-op. A
	// recorded SUCCESS is re-driven through the escrow path first, because the
	// payment row commits before the escrow credit and a fault between the two
	// would otherwise strand the money; the installment marker and stage
	// compare-and-set make the re-drive a no-op when nothing was lost.
	if txn.WebhookReceived && txn.Status.IsTerminal() {
		if txn.Status == models.PaymentSuccess {
			out, err := o.ensureCredited(ctx, txn)
			if err != nil {
				return Outcome{}, err
			}
			return o.outcome(out), nil
		}
		return o.outcome(Outcome{
			Code:          OutcomeDuplicate,
			Message:       "terminal webhook already applied",
			TransactionID: txn.ID,
			Status:        txn.Status,
		}), nil
	}

	var gatewayID *string
	if payload.HubtelTransactionID != "" {
		gatewayID = &payload.HubtelTransactionID
	}
	out, err := o.applyStatus(ctx, txn, status, gatewayID, true)
	if err != nil {
		return Outcome{}, err
	}
	return o.outcome(out), nil
}

// applyStatus is the shared apply path for webhooks and polling. The payment
// transaction's terminal status update is the gate: only the caller that wins
// the PENDING -> terminal compare-and-set proceeds to escrow and lifecycle,
// so push and pull reconciliation for the same order cannot double-credit.
func (o *Orchestrator) applyStatus(ctx context.Context, txn *models.PaymentTransaction, status models.PaymentStatus, gatewayID *string, fromWebhook bool) (Outcome, error) {
	order, err := o.store.GetOrder(ctx, txn.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load order: %w", err)
	}
	if order.Status.IsTerminal() {
		return Outcome{
			Code:          OutcomeOrderTerminal,
			Message:       fmt.Sprintf("order is %s: no further escrow mutation accepted", order.Status),
			TransactionID: txn.ID,
			Status:        txn.Status,
		}, nil
	}

	if !status.IsTerminal() {
		// Non-terminal update: record that the gateway spoke, nothing more.
		upd := models.PaymentStatusUpdate{Status: models.PaymentPending, GatewayTransactionID: gatewayID, WebhookReceived: fromWebhook}
		if err := o.store.UpdatePaymentTransactionStatus(ctx, txn.ID, upd); err != nil && !errors.Is(err, store.ErrAlreadyFinal) {
			return Outcome{}, fmt.Errorf("record pending update: %w", err)
		}
		return Outcome{Code: OutcomePendingUpdate, Message: "status still pending", TransactionID: txn.ID, Status: models.PaymentPending}, nil
	}

	upd := models.PaymentStatusUpdate{Status: status, GatewayTransactionID: gatewayID, WebhookReceived: fromWebhook}
	if err := o.store.UpdatePaymentTransactionStatus(ctx, txn.ID, upd); err != nil {
		if errors.Is(err, store.ErrAlreadyFinal) {
			return Outcome{Code: OutcomeDuplicate, Message: "terminal status already recorded", TransactionID: txn.ID, Status: status}, nil
		}
		return Outcome{}, fmt.Errorf("update payment transaction: %w", err)
	}

	if status != models.PaymentSuccess {
		o.logger.Info("payment reached terminal non-success status",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("status", string(status)))
		return Outcome{Code: OutcomeApplied, Message: "terminal status recorded", TransactionID: txn.ID, Status: status}, nil
	}

	return o.creditInstallment(ctx, order, txn, status)
}

// ensureCredited re-drives the escrow and lifecycle application for a payment
// already recorded as SUCCESS. An ordinary duplicate delivery falls out as a
// no-op; a credit stranded by a fault between the payment-row commit and the
// escrow update gets applied now.
func (o *Orchestrator) ensureCredited(ctx context.Context, txn *models.PaymentTransaction) (Outcome, error) {
	order, err := o.store.GetOrder(ctx, txn.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load order: %w", err)
	}
	if order.Status.IsTerminal() {
		return Outcome{
			Code:          OutcomeDuplicate,
			Message:       "terminal webhook already applied",
			TransactionID: txn.ID,
			Status:        txn.Status,
		}, nil
	}
	return o.creditInstallment(ctx, order, txn, txn.Status)
}

// creditInstallment applies a successful installment to escrow and fires the
// matching lifecycle event. Safe to call again for the same payment: the
// installment marker and the stage compare-and-set reject a second credit.
func (o *Orchestrator) creditInstallment(ctx context.Context, order *models.Order, txn *models.PaymentTransaction, status models.PaymentStatus) (Outcome, error) {
	event, ok := eventForType[txn.Type]
	if !ok {
		// Refunds settle the payment row only; the escrow audit entry was
		// written when the order was cancelled.
		return Outcome{Code: OutcomeApplied, Message: "refund settled", TransactionID: txn.ID, Status: status}, nil
	}

	toStage := lifecycle.StageFor(stateForType[txn.Type])
	if _, err := o.escrow.RecordInstallment(ctx, order, txn, toStage); err != nil {
		switch {
		case errors.Is(err, escrow.ErrDuplicateInstallment), errors.Is(err, store.ErrStageConflict):
			// Money already recorded. Heal the lifecycle half if an earlier
			// apply died between the escrow update and the transition.
			if lifecycle.CanApply(order.Status, event) {
				if _, err := o.lifecycle.Apply(ctx, order.ID, event, "gateway"); err != nil {
					return Outcome{}, fmt.Errorf("advance lifecycle: %w", err)
				}
			}
			return Outcome{Code: OutcomeDuplicate, Message: "installment already applied", TransactionID: txn.ID, Status: status}, nil
		case errors.Is(err, escrow.ErrOrderTerminal):
			return Outcome{Code: OutcomeOrderTerminal, Message: "order terminal", TransactionID: txn.ID, Status: status}, nil
		default:
			return Outcome{}, err
		}
	}

	decision, err := o.lifecycle.Apply(ctx, order.ID, event, "gateway")
	if err != nil {
		return Outcome{}, fmt.Errorf("advance lifecycle: %w", err)
	}
	msg := "payment applied"
	if !decision.Applied {
		// Money is recorded; the lifecycle rejection is reported, not hidden.
		msg = "payment recorded, lifecycle not advanced: " + decision.Reason
		o.logger.Warn("lifecycle did not advance after payment",
			zap.String("order_id", order.ID.String()),
			zap.String("event", string(event)),
			zap.String("reason", decision.Reason))
	}

	return Outcome{Code: OutcomeApplied, Message: msg, TransactionID: txn.ID, Status: status}, nil
}

// VerifyPaymentStatus polls the gateway until a terminal status is observed
// or maxRetries is exhausted, with a linearly increasing delay between
// attempts. Exhaustion reports FAILED to the caller without failing the row;
// only the abandonment sweep persists FAILED for an unresolved transaction.
func (o *Orchestrator) VerifyPaymentStatus(ctx context.Context, transactionID uuid.UUID, maxRetries int, baseDelay time.Duration) (models.PaymentStatus, error) {
	txn, err := o.store.GetPaymentTransaction(ctx, transactionID)
	if err != nil {
		return "", fmt.Errorf("load payment transaction: %w", err)
	}
	if txn.Status.IsTerminal() {
		return txn.Status, nil
	}
	if txn.GatewayTransactionID == nil {
		return models.PaymentPending, fmt.Errorf("transaction %s has no gateway id to poll", transactionID)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := o.gateway.GetTransactionStatus(ctx, *txn.GatewayTransactionID)
		if err != nil {
			o.logger.Warn("status poll failed",
				zap.String("transaction_id", transactionID.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if result.Status.IsTerminal() {
			out, err := o.applyStatus(ctx, txn, result.Status, nil, false)
			if err != nil {
				return "", err
			}
			verificationsTotal.WithLabelValues(string(out.Code)).Inc()
			return result.Status, nil
		}

		retries := txn.RetryCount + attempt
		upd := models.PaymentStatusUpdate{Status: models.PaymentPending, RetryCount: &retries}
		if err := o.store.UpdatePaymentTransactionStatus(ctx, transactionID, upd); err != nil && !errors.Is(err, store.ErrAlreadyFinal) {
			return "", fmt.Errorf("record poll attempt: %w", err)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(baseDelay * time.Duration(attempt)):
			}
		}
	}

	// Retries exhausted with no terminal answer. The caller gets FAILED so it
	// is not left waiting, but the row stays PENDING: a payer can take minutes
	// to approve on their phone, and only the abandonment window may fail the
	// row locally. The genuine webhook still lands through the PENDING gate.
	verificationsTotal.WithLabelValues("exhausted").Inc()
	o.logger.Warn("payment verification exhausted",
		zap.String("transaction_id", transactionID.String()),
		zap.Int("max_retries", maxRetries))
	return models.PaymentFailed, nil
}

func (o *Orchestrator) outcome(out Outcome) Outcome {
	webhooksTotal.WithLabelValues(string(out.Code)).Inc()
	return out
}
