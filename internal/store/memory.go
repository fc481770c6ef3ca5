package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kofiamankwah/stitchpay/internal/models"
)

// Memory is an in-memory Store with the same compare-and-set semantics as the
// Postgres implementation. Used by tests and for local development without a
// database.
type Memory struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*models.Order
	payments map[uuid.UUID]*models.PaymentTransaction
	escrow   map[uuid.UUID][]models.EscrowTransaction
	history  map[uuid.UUID][]models.StatusHistory
}

func NewMemory() *Memory {
	return &Memory{
		orders:   make(map[uuid.UUID]*models.Order),
		payments: make(map[uuid.UUID]*models.PaymentTransaction),
		escrow:   make(map[uuid.UUID][]models.EscrowTransaction),
		history:  make(map[uuid.UUID][]models.StatusHistory),
	}
}

func (m *Memory) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) UpdateOrderEscrow(_ context.Context, orderID uuid.UUID, expectStage models.EscrowStage, upd models.OrderEscrowUpdate, entry *models.EscrowTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.EscrowStage != expectStage {
		return ErrStageConflict
	}
	o.EscrowStage = upd.EscrowStage
	o.EscrowBalance = upd.EscrowBalance
	if upd.DepositPaidAt != nil {
		o.DepositPaidAt = upd.DepositPaidAt
	}
	if upd.FittingPaidAt != nil {
		o.FittingPaidAt = upd.FittingPaidAt
	}
	if upd.FinalPaidAt != nil {
		o.FinalPaidAt = upd.FinalPaidAt
	}
	o.UpdatedAt = time.Now().UTC()
	m.escrow[orderID] = append(m.escrow[orderID], *entry)
	return nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, orderID uuid.UUID, expectStatus, toStatus models.OrderStatus, stage models.EscrowStage, progress int, hist *models.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != expectStatus {
		return ErrStatusConflict
	}
	o.Status = toStatus
	o.EscrowStage = stage
	o.Progress = progress
	o.UpdatedAt = time.Now().UTC()
	m.history[orderID] = append(m.history[orderID], *hist)
	return nil
}

func (m *Memory) CreatePaymentTransaction(_ context.Context, t *models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.payments[t.ID] = &cp
	return nil
}

func (m *Memory) GetPaymentTransaction(_ context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.payments[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) FindPaymentTransactionByProviderID(_ context.Context, providerTxnID string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.payments {
		if t.ProviderTransactionID == providerTxnID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *Memory) FindPaymentTransactionByGatewayID(_ context.Context, gatewayTxnID string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.payments {
		if t.GatewayTransactionID != nil && *t.GatewayTransactionID == gatewayTxnID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *Memory) UpdatePaymentTransactionStatus(_ context.Context, id uuid.UUID, upd models.PaymentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.payments[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != models.PaymentPending {
		return ErrAlreadyFinal
	}
	t.Status = upd.Status
	if upd.GatewayTransactionID != nil {
		t.GatewayTransactionID = upd.GatewayTransactionID
	}
	if upd.WebhookReceived {
		t.WebhookReceived = true
	}
	if upd.RetryCount != nil {
		t.RetryCount = *upd.RetryCount
	}
	if upd.Message != "" {
		t.Message = upd.Message
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListPendingPaymentTransactions(_ context.Context, olderThan time.Time) ([]models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txns []models.PaymentTransaction
	for _, t := range m.payments {
		if t.Status == models.PaymentPending && t.CreatedAt.Before(olderThan) {
			txns = append(txns, *t)
		}
	}
	return txns, nil
}

func (m *Memory) ListEscrowTransactions(_ context.Context, orderID uuid.UUID) ([]models.EscrowTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EscrowTransaction(nil), m.escrow[orderID]...), nil
}

func (m *Memory) ListStatusHistory(_ context.Context, orderID uuid.UUID) ([]models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StatusHistory(nil), m.history[orderID]...), nil
}
