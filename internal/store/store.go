// Package store is the persistence boundary for orders, payment transactions,
// and the escrow/status audit logs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kofiamankwah/stitchpay/internal/models"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrStageConflict means the order's escrow stage no longer matches what
	// the caller observed; the caller lost a concurrent update race.
	ErrStageConflict = errors.New("escrow stage conflict")
	// ErrStatusConflict is the lifecycle equivalent of ErrStageConflict.
	ErrStatusConflict = errors.New("order status conflict")
	// ErrAlreadyFinal means the payment transaction already reached a
	// terminal status and cannot be updated again.
	ErrAlreadyFinal = errors.New("payment transaction already final")
)

// Store is the abstract record store the escrow core runs against. The
// Update* methods with expected-state arguments are compare-and-set: the row
// update and its audit append happen in one atomic unit, so two concurrent
// reconciliations cannot both observe "not yet applied" and both apply.
type Store interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// UpdateOrderEscrow applies upd and appends entry atomically, guarded by
	// the expected current escrow stage. Returns ErrStageConflict on mismatch.
	UpdateOrderEscrow(ctx context.Context, orderID uuid.UUID, expectStage models.EscrowStage, upd models.OrderEscrowUpdate, entry *models.EscrowTransaction) error
	// UpdateOrderStatus advances status/stage/progress and appends hist
	// atomically, guarded by the expected current status.
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, expectStatus models.OrderStatus, toStatus models.OrderStatus, stage models.EscrowStage, progress int, hist *models.StatusHistory) error

	CreatePaymentTransaction(ctx context.Context, t *models.PaymentTransaction) error
	GetPaymentTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	FindPaymentTransactionByProviderID(ctx context.Context, providerTxnID string) (*models.PaymentTransaction, error)
	FindPaymentTransactionByGatewayID(ctx context.Context, gatewayTxnID string) (*models.PaymentTransaction, error)
	// UpdatePaymentTransactionStatus applies upd only while the transaction
	// is still PENDING; once a terminal status is recorded every further
	// update returns ErrAlreadyFinal.
	UpdatePaymentTransactionStatus(ctx context.Context, id uuid.UUID, upd models.PaymentStatusUpdate) error
	ListPendingPaymentTransactions(ctx context.Context, olderThan time.Time) ([]models.PaymentTransaction, error)

	ListEscrowTransactions(ctx context.Context, orderID uuid.UUID) ([]models.EscrowTransaction, error)
	ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error)
}
