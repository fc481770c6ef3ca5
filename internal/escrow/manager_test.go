package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mgr, err := NewManager(mem, DefaultSplitPolicy(), nil)
	require.NoError(t, err)
	return mgr, mem
}

func seedOrder(t *testing.T, mem *store.Memory, status models.OrderStatus, stage models.EscrowStage) *models.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		CustomerID:    "cust-1",
		TailorID:      "tailor-1",
		Status:        status,
		EscrowStage:   stage,
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

func TestRecordInstallmentDeposit(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)

	txn := &models.PaymentTransaction{
		ID:      uuid.New(),
		OrderID: order.ID,
		Type:    models.TxnDeposit,
		Amount:  decimal.RequireFromString("250.00"),
	}

	entry, err := mgr.RecordInstallment(ctx, order, txn, models.StageFitting)
	require.NoError(t, err)
	assert.Equal(t, models.StageFitting, entry.ToStage)
	require.NotNil(t, entry.FromStage)
	assert.Equal(t, models.StageDeposit, *entry.FromStage)

	got, err := mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.EscrowBalance.Equal(decimal.RequireFromString("750.00")), "balance %s", got.EscrowBalance)
	assert.NotNil(t, got.DepositPaidAt)
	assert.Equal(t, models.StageFitting, got.EscrowStage)

	log, err := mem.ListEscrowTransactions(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, models.TxnDeposit, log[0].TransactionType)
}

func TestRecordInstallmentDuplicateRejected(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)
	txn := &models.PaymentTransaction{ID: uuid.New(), OrderID: order.ID, Type: models.TxnDeposit, Amount: decimal.RequireFromString("250.00")}

	_, err := mgr.RecordInstallment(ctx, order, txn, models.StageFitting)
	require.NoError(t, err)

	fresh, err := mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	_, err = mgr.RecordInstallment(ctx, fresh, txn, models.StageFitting)
	assert.ErrorIs(t, err, ErrDuplicateInstallment)
}

func TestRecordInstallmentAmountMismatch(t *testing.T) {
	mgr, mem := newTestManager(t)
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)
	txn := &models.PaymentTransaction{ID: uuid.New(), OrderID: order.ID, Type: models.TxnDeposit, Amount: decimal.RequireFromString("100.00")}

	_, err := mgr.RecordInstallment(context.Background(), order, txn, models.StageFitting)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	got, err := mem.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, got.EscrowBalance.Equal(decimal.RequireFromString("1000.00")))
	assert.Nil(t, got.DepositPaidAt)
}

func TestRecordInstallmentTerminalOrder(t *testing.T) {
	mgr, mem := newTestManager(t)
	order := seedOrder(t, mem, models.StatusCancelled, models.StageRefunded)
	txn := &models.PaymentTransaction{ID: uuid.New(), OrderID: order.ID, Type: models.TxnDeposit, Amount: decimal.RequireFromString("250.00")}

	_, err := mgr.RecordInstallment(context.Background(), order, txn, models.StageFitting)
	assert.ErrorIs(t, err, ErrOrderTerminal)
}

func TestApproveMilestoneStageMismatch(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)

	_, err := mgr.ApproveMilestone(ctx, order.ID, models.StageFitting, "ama", "")
	assert.ErrorIs(t, err, ErrStageMismatch)

	// Mismatch never mutates.
	got, err := mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDeposit, got.EscrowStage)
	log, _ := mem.ListEscrowTransactions(ctx, order.ID)
	assert.Empty(t, log)
}

func TestApproveMilestoneFittingReleasesHalf(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()
	order := seedOrder(t, mem, models.StatusFittingCompleted, models.StageFitting)

	result, err := mgr.ApproveMilestone(ctx, order.ID, models.StageFitting, "ama", "fit approved")
	require.NoError(t, err)
	assert.True(t, result.Released.Equal(decimal.RequireFromString("500.00")), "released %s", result.Released)
	assert.Equal(t, models.StageFinal, result.ToStage)
	assert.NotEqual(t, uuid.Nil, result.EscrowTransactionID)

	got, err := mem.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFinal, got.EscrowStage)

	log, err := mem.ListEscrowTransactions(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.NotNil(t, log[0].ApprovedBy)
	assert.Equal(t, "ama", *log[0].ApprovedBy)
}

func TestApproveMilestoneFinalReleasesRemainder(t *testing.T) {
	mgr, mem := newTestManager(t)
	order := seedOrder(t, mem, models.StatusDelivered, models.StageFinal)

	result, err := mgr.ApproveMilestone(context.Background(), order.ID, models.StageFinal, "ama", "")
	require.NoError(t, err)
	assert.True(t, result.Released.Equal(decimal.RequireFromString("250.00")))
	assert.Equal(t, models.StageReleased, result.ToStage)
}

func TestApproveMilestoneDepositNotApprovable(t *testing.T) {
	mgr, mem := newTestManager(t)
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)

	_, err := mgr.ApproveMilestone(context.Background(), order.ID, models.StageDeposit, "ama", "")
	assert.ErrorIs(t, err, ErrNotApprovable)
}

func TestValidateEscrowStateClean(t *testing.T) {
	mgr, mem := newTestManager(t)
	order := seedOrder(t, mem, models.StatusSubmitted, models.StageDeposit)

	report, err := mgr.ValidateEscrowState(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Violations)
}

func TestValidateEscrowStateDetectsDrift(t *testing.T) {
	mem := store.NewMemory()
	mgr, err := NewManager(mem, DefaultSplitPolicy(), nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	order := &models.Order{
		ID:            uuid.New(),
		Status:        models.StatusSubmitted,
		EscrowStage:   models.StageDeposit,
		TotalAmount:   decimal.RequireFromString("1000.00"),
		DepositAmount: decimal.RequireFromString("300.00"), // drifted from policy
		FittingAmount: decimal.RequireFromString("500.00"),
		FinalAmount:   decimal.RequireFromString("250.00"),
		EscrowBalance: decimal.RequireFromString("900.00"), // should be 1000.00
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, mem.CreateOrder(context.Background(), order))

	report, err := mgr.ValidateEscrowState(context.Background(), order.ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	// deposit drift, sum mismatch, and balance mismatch are all reported.
	assert.GreaterOrEqual(t, len(report.Violations), 3)
}
