package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

var (
	// ErrStageMismatch means the caller's expected stage does not match the
	// order's actual stage. Protects against racing or duplicate approvals.
	ErrStageMismatch = errors.New("escrow stage mismatch")
	// ErrNotApprovable means the current stage has no milestone release.
	ErrNotApprovable = errors.New("no milestone release for this stage")
	// ErrDuplicateInstallment means this installment was already collected.
	ErrDuplicateInstallment = errors.New("installment already paid")
	// ErrAmountMismatch means the payment amount does not match the
	// installment amount configured on the order. Never defaulted or
	// auto-corrected: a mismatch here could mask lost money.
	ErrAmountMismatch = errors.New("payment amount does not match installment")
	// ErrOrderTerminal means the order is in a terminal state and accepts no
	// further escrow mutation.
	ErrOrderTerminal = errors.New("order terminal")
)

// amountEpsilon tolerates sub-cent representation drift when comparing amounts.
var amountEpsilon = decimal.RequireFromString("0.01")

type Manager struct {
	store  store.Store
	policy SplitPolicy
	logger *zap.Logger
}

func NewManager(s store.Store, policy SplitPolicy, logger *zap.Logger) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid split policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, policy: policy, logger: logger}, nil
}

// Split computes the installment breakdown for a total under this manager's
// policy.
func (m *Manager) Split(total decimal.Decimal) (Split, error) {
	return ComputeSplit(total, m.policy)
}

// RecordInstallment marks an installment collected: sets the paid-at marker,
// reduces the escrow balance, and appends the audit entry, all in one atomic
// unit guarded by the order's current stage. toStage is the stage implied by
// the lifecycle state this payment leads to.
func (m *Manager) RecordInstallment(ctx context.Context, order *models.Order, txn *models.PaymentTransaction, toStage models.EscrowStage) (*models.EscrowTransaction, error) {
	if order.Status.IsTerminal() {
		return nil, ErrOrderTerminal
	}

	expected := order.InstallmentAmount(txn.Type)
	if txn.Amount.Sub(expected).Abs().GreaterThan(amountEpsilon) {
		return nil, fmt.Errorf("%w: got %s, installment is %s", ErrAmountMismatch, txn.Amount, expected)
	}

	now := time.Now().UTC()
	upd := models.OrderEscrowUpdate{
		EscrowStage:   toStage,
		EscrowBalance: order.EscrowBalance.Sub(expected),
	}
	switch txn.Type {
	case models.TxnDeposit:
		if order.DepositPaidAt != nil {
			return nil, ErrDuplicateInstallment
		}
		upd.DepositPaidAt = &now
	case models.TxnFittingPayment:
		if order.FittingPaidAt != nil {
			return nil, ErrDuplicateInstallment
		}
		upd.FittingPaidAt = &now
	case models.TxnFinalPayment:
		if order.FinalPaidAt != nil {
			return nil, ErrDuplicateInstallment
		}
		upd.FinalPaidAt = &now
	default:
		return nil, fmt.Errorf("transaction type %s is not an installment", txn.Type)
	}

	fromStage := order.EscrowStage
	entry := &models.EscrowTransaction{
		ID:                   uuid.New(),
		OrderID:              order.ID,
		TransactionType:      txn.Type,
		Amount:               expected,
		FromStage:            &fromStage,
		ToStage:              toStage,
		PaymentTransactionID: &txn.ID,
		CreatedAt:            now,
	}

	if err := m.store.UpdateOrderEscrow(ctx, order.ID, order.EscrowStage, upd, entry); err != nil {
		return nil, fmt.Errorf("record %s installment: %w", txn.Type, err)
	}

	m.logger.Info("installment recorded",
		zap.String("order_id", order.ID.String()),
		zap.String("type", string(txn.Type)),
		zap.String("amount", expected.String()),
		zap.String("stage", string(toStage)))
	return entry, nil
}

// ApprovalResult reports a milestone release.
type ApprovalResult struct {
	Released            decimal.Decimal    `json:"released"`
	FromStage           models.EscrowStage `json:"from_stage"`
	ToStage             models.EscrowStage `json:"to_stage"`
	EscrowTransactionID uuid.UUID          `json:"escrow_transaction_id"`
}

// ApproveMilestone releases the installment held for the order's current
// stage. currentStage must match the order's actual stage; on mismatch
// nothing is mutated and ErrStageMismatch is returned.
func (m *Manager) ApproveMilestone(ctx context.Context, orderID uuid.UUID, currentStage models.EscrowStage, approvedBy, notes string) (ApprovalResult, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("load order: %w", err)
	}
	if order.Status.IsTerminal() {
		return ApprovalResult{}, ErrOrderTerminal
	}
	if order.EscrowStage != currentStage {
		return ApprovalResult{}, fmt.Errorf("%w: expected %s, order is at %s", ErrStageMismatch, currentStage, order.EscrowStage)
	}

	var (
		release decimal.Decimal
		toStage models.EscrowStage
	)
	switch currentStage {
	case models.StageFitting:
		release = order.FittingAmount
		toStage = models.StageFinal
	case models.StageFinal:
		release = order.FinalAmount
		toStage = models.StageReleased
	default:
		return ApprovalResult{}, fmt.Errorf("%w: %s", ErrNotApprovable, currentStage)
	}

	fromStage := order.EscrowStage
	entry := &models.EscrowTransaction{
		ID:              uuid.New(),
		OrderID:         orderID,
		TransactionType: models.TransactionType(fmt.Sprintf("%s_RELEASE", currentStage)),
		Amount:          release,
		FromStage:       &fromStage,
		ToStage:         toStage,
		ApprovedBy:      &approvedBy,
		Notes:           notes,
		CreatedAt:       time.Now().UTC(),
	}
	upd := models.OrderEscrowUpdate{
		EscrowStage:   toStage,
		EscrowBalance: order.EscrowBalance,
	}

	if err := m.store.UpdateOrderEscrow(ctx, orderID, currentStage, upd, entry); err != nil {
		if errors.Is(err, store.ErrStageConflict) {
			return ApprovalResult{}, fmt.Errorf("%w: concurrent stage change", ErrStageMismatch)
		}
		return ApprovalResult{}, fmt.Errorf("approve milestone: %w", err)
	}

	m.logger.Info("milestone approved",
		zap.String("order_id", orderID.String()),
		zap.String("stage", string(currentStage)),
		zap.String("released", release.String()),
		zap.String("approved_by", approvedBy))

	return ApprovalResult{
		Released:            release,
		FromStage:           fromStage,
		ToStage:             toStage,
		EscrowTransactionID: entry.ID,
	}, nil
}

// RecordRefundIntent appends the audit entry for the balance held on a
// cancelled order. Refund execution itself is downstream of this record.
func (m *Manager) RecordRefundIntent(ctx context.Context, order *models.Order, notes string) (*models.EscrowTransaction, error) {
	fromStage := order.EscrowStage
	entry := &models.EscrowTransaction{
		ID:              uuid.New(),
		OrderID:         order.ID,
		TransactionType: models.TxnRefund,
		Amount:          order.PaidSum(),
		FromStage:       &fromStage,
		ToStage:         models.StageRefunded,
		Notes:           notes,
		CreatedAt:       time.Now().UTC(),
	}
	upd := models.OrderEscrowUpdate{
		EscrowStage:   models.StageRefunded,
		EscrowBalance: order.EscrowBalance,
	}
	if err := m.store.UpdateOrderEscrow(ctx, order.ID, order.EscrowStage, upd, entry); err != nil {
		return nil, fmt.Errorf("record refund intent: %w", err)
	}
	return entry, nil
}

// Violation is one invariant breach found by ValidateEscrowState.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationReport lists every invariant violation on an order's escrow
// state. Diagnostic only: nothing is auto-corrected, since correcting money
// movement without human review is unsafe.
type ValidationReport struct {
	OrderID    uuid.UUID   `json:"order_id"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// ValidateEscrowState recomputes the split independently and checks the
// amount and balance identities.
func (m *Manager) ValidateEscrowState(ctx context.Context, orderID uuid.UUID) (ValidationReport, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("load order: %w", err)
	}

	report := ValidationReport{OrderID: orderID, Valid: true}
	addViolation := func(field, format string, args ...any) {
		report.Valid = false
		report.Violations = append(report.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	split, err := ComputeSplit(order.TotalAmount, m.policy)
	if err != nil {
		addViolation("total_amount", "split not computable: %v", err)
		return report, nil
	}
	if order.DepositAmount.Sub(split.Deposit).Abs().GreaterThan(amountEpsilon) {
		addViolation("deposit_amount", "stored %s, recomputed %s", order.DepositAmount, split.Deposit)
	}
	if order.FittingAmount.Sub(split.Fitting).Abs().GreaterThan(amountEpsilon) {
		addViolation("fitting_amount", "stored %s, recomputed %s", order.FittingAmount, split.Fitting)
	}
	if order.FinalAmount.Sub(split.Final).Abs().GreaterThan(amountEpsilon) {
		addViolation("final_amount", "stored %s, recomputed %s", order.FinalAmount, split.Final)
	}

	sum := order.DepositAmount.Add(order.FittingAmount).Add(order.FinalAmount)
	if sum.Sub(order.TotalAmount).Abs().GreaterThan(amountEpsilon) {
		addViolation("amounts", "installments sum to %s, total is %s", sum, order.TotalAmount)
	}

	wantBalance := order.TotalAmount.Sub(order.PaidSum())
	if order.EscrowBalance.Sub(wantBalance).Abs().GreaterThan(amountEpsilon) {
		addViolation("escrow_balance", "stored %s, expected %s", order.EscrowBalance, wantBalance)
	}
	if order.EscrowBalance.IsNegative() {
		addViolation("escrow_balance", "balance is negative: %s", order.EscrowBalance)
	}

	if !report.Valid {
		m.logger.Warn("escrow state invalid",
			zap.String("order_id", orderID.String()),
			zap.Int("violations", len(report.Violations)))
	}
	return report, nil
}
