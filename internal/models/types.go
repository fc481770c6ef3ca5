package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the fine-grained production status of a custom order.
type OrderStatus string

const (
	StatusSubmitted             OrderStatus = "SUBMITTED"
	StatusDepositPaid           OrderStatus = "DEPOSIT_PAID"
	StatusAccepted              OrderStatus = "ACCEPTED"
	StatusMeasurementConfirmed  OrderStatus = "MEASUREMENT_CONFIRMED"
	StatusFabricSourced         OrderStatus = "FABRIC_SOURCED"
	StatusCuttingStarted        OrderStatus = "CUTTING_STARTED"
	StatusSewingInProgress      OrderStatus = "SEWING_IN_PROGRESS"
	StatusFittingScheduled      OrderStatus = "FITTING_SCHEDULED"
	StatusFittingCompleted      OrderStatus = "FITTING_COMPLETED"
	StatusAdjustmentsInProgress OrderStatus = "ADJUSTMENTS_IN_PROGRESS"
	StatusFinalInspection       OrderStatus = "FINAL_INSPECTION"
	StatusReadyForDelivery      OrderStatus = "READY_FOR_DELIVERY"
	StatusDelivered             OrderStatus = "DELIVERED"
	StatusCompleted             OrderStatus = "COMPLETED"
	StatusCancelled             OrderStatus = "CANCELLED"
	StatusDisputed              OrderStatus = "DISPUTED"
)

// IsTerminal reports whether no further lifecycle or escrow mutation is accepted.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EscrowStage is the coarse bucket describing which installment of funds is active.
type EscrowStage string

const (
	StageDeposit  EscrowStage = "DEPOSIT"
	StageFitting  EscrowStage = "FITTING"
	StageFinal    EscrowStage = "FINAL"
	StageReleased EscrowStage = "RELEASED"
	StageRefunded EscrowStage = "REFUNDED"
	StageHeld     EscrowStage = "HELD"
)

// PaymentStatus is the canonical status vocabulary local transactions are kept in.
// Provider-specific codes are mapped onto these four values at the gateway boundary.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change. PENDING is the
// only re-enterable state.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed || s == PaymentCancelled
}

// TransactionType identifies which installment (or refund) a payment is for.
type TransactionType string

const (
	TxnDeposit        TransactionType = "DEPOSIT"
	TxnFittingPayment TransactionType = "FITTING_PAYMENT"
	TxnFinalPayment   TransactionType = "FINAL_PAYMENT"
	TxnRefund         TransactionType = "REFUND"
)

// Order is the mutable aggregate root. Escrow fields are owned exclusively by
// the escrow manager and the lifecycle machine; nothing else writes them.
type Order struct {
	ID            uuid.UUID       `json:"id"`
	CustomerID    string          `json:"customer_id"`
	TailorID      string          `json:"tailor_id"`
	Description   string          `json:"description"`
	Status        OrderStatus     `json:"status"`
	EscrowStage   EscrowStage     `json:"escrow_stage"`
	Progress      int             `json:"progress"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	DepositAmount decimal.Decimal `json:"deposit_amount"`
	FittingAmount decimal.Decimal `json:"fitting_amount"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	EscrowBalance decimal.Decimal `json:"escrow_balance"`
	DepositPaidAt *time.Time      `json:"deposit_paid_at,omitempty"`
	FittingPaidAt *time.Time      `json:"fitting_paid_at,omitempty"`
	FinalPaidAt   *time.Time      `json:"final_paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaidSum returns the total collected so far, derived from the paid-at markers.
func (o *Order) PaidSum() decimal.Decimal {
	sum := decimal.Zero
	if o.DepositPaidAt != nil {
		sum = sum.Add(o.DepositAmount)
	}
	if o.FittingPaidAt != nil {
		sum = sum.Add(o.FittingAmount)
	}
	if o.FinalPaidAt != nil {
		sum = sum.Add(o.FinalAmount)
	}
	return sum
}

// InstallmentAmount returns the configured amount for an installment type.
func (o *Order) InstallmentAmount(t TransactionType) decimal.Decimal {
	switch t {
	case TxnDeposit:
		return o.DepositAmount
	case TxnFittingPayment:
		return o.FittingAmount
	case TxnFinalPayment:
		return o.FinalAmount
	}
	return decimal.Zero
}

// PaymentTransaction is the system of record for attempted charges. Rows are
// created once per initiation attempt and never deleted or reused.
type PaymentTransaction struct {
	ID                    uuid.UUID       `json:"id"`
	OrderID               uuid.UUID       `json:"order_id"`
	Type                  TransactionType `json:"type"`
	Amount                decimal.Decimal `json:"amount"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	GatewayTransactionID  *string         `json:"gateway_transaction_id,omitempty"`
	Status                PaymentStatus   `json:"status"`
	RetryCount            int             `json:"retry_count"`
	WebhookReceived       bool            `json:"webhook_received"`
	Message               string          `json:"message,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// EscrowTransaction is an append-only audit entry, one per escrow stage change.
// The accumulated entries reconstruct an order's escrow state independently of
// the mutable order row.
type EscrowTransaction struct {
	ID                   uuid.UUID       `json:"id"`
	OrderID              uuid.UUID       `json:"order_id"`
	TransactionType      TransactionType `json:"transaction_type"`
	Amount               decimal.Decimal `json:"amount"`
	FromStage            *EscrowStage    `json:"from_stage,omitempty"`
	ToStage              EscrowStage     `json:"to_stage"`
	PaymentTransactionID *uuid.UUID      `json:"payment_transaction_id,omitempty"`
	ApprovedBy           *string         `json:"approved_by,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// StatusHistory is the append-only record of lifecycle transitions.
type StatusHistory struct {
	ID         uuid.UUID   `json:"id"`
	OrderID    uuid.UUID   `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Event      string      `json:"event"`
	Actor      string      `json:"actor"`
	CreatedAt  time.Time   `json:"created_at"`
}

// OrderEscrowUpdate carries the escrow field changes that must land atomically
// together with an escrow transaction append.
type OrderEscrowUpdate struct {
	EscrowStage   EscrowStage
	EscrowBalance decimal.Decimal
	DepositPaidAt *time.Time
	FittingPaidAt *time.Time
	FinalPaidAt   *time.Time
}

// PaymentStatusUpdate carries a payment transaction status change.
type PaymentStatusUpdate struct {
	Status               PaymentStatus
	GatewayTransactionID *string
	WebhookReceived      bool
	RetryCount           *int
	Message              string
}
