package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kofiamankwah/stitchpay/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

const orderColumns = `id, customer_id, tailor_id, description, status, escrow_stage, progress,
	total_amount, deposit_amount, fitting_amount, final_amount, escrow_balance,
	deposit_paid_at, fitting_paid_at, final_paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.TailorID, &o.Description, &o.Status, &o.EscrowStage, &o.Progress,
		&o.TotalAmount, &o.DepositAmount, &o.FittingAmount, &o.FinalAmount, &o.EscrowBalance,
		&o.DepositPaidAt, &o.FittingPaidAt, &o.FinalPaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Postgres) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO orders (id, customer_id, tailor_id, description, status, escrow_stage, progress,
			total_amount, deposit_amount, fitting_amount, final_amount, escrow_balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		o.ID, o.CustomerID, o.TailorID, o.Description, o.Status, o.EscrowStage, o.Progress,
		o.TotalAmount, o.DepositAmount, o.FittingAmount, o.FinalAmount, o.EscrowBalance, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("order insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *Postgres) UpdateOrderEscrow(ctx context.Context, orderID uuid.UUID, expectStage models.EscrowStage, upd models.OrderEscrowUpdate, entry *models.EscrowTransaction) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Stage compare-and-set: the WHERE clause loses the race instead of
	// double-applying.
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET escrow_stage = $1, escrow_balance = $2,
			deposit_paid_at = COALESCE($3, deposit_paid_at),
			fitting_paid_at = COALESCE($4, fitting_paid_at),
			final_paid_at   = COALESCE($5, final_paid_at),
			updated_at = now()
		 WHERE id = $6 AND escrow_stage = $7`,
		upd.EscrowStage, upd.EscrowBalance, upd.DepositPaidAt, upd.FittingPaidAt, upd.FinalPaidAt,
		orderID, expectStage)
	if err != nil {
		return fmt.Errorf("order escrow update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("order existence check failed: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStageConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO escrow_transactions (id, order_id, transaction_type, amount, from_stage, to_stage,
			payment_transaction_id, approved_by, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.OrderID, entry.TransactionType, entry.Amount, entry.FromStage, entry.ToStage,
		entry.PaymentTransactionID, entry.ApprovedBy, entry.Notes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("escrow transaction append failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, expectStatus, toStatus models.OrderStatus, stage models.EscrowStage, progress int, hist *models.StatusHistory) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $1, escrow_stage = $2, progress = $3, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		toStatus, stage, progress, orderID, expectStatus)
	if err != nil {
		return fmt.Errorf("order status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("order existence check failed: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStatusConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO status_history (id, order_id, from_status, to_status, event, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		hist.ID, hist.OrderID, hist.FromStatus, hist.ToStatus, hist.Event, hist.Actor, hist.CreatedAt)
	if err != nil {
		return fmt.Errorf("status history append failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const paymentColumns = `id, order_id, type, amount, provider, provider_transaction_id,
	gateway_transaction_id, status, retry_count, webhook_received, message, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := row.Scan(&t.ID, &t.OrderID, &t.Type, &t.Amount, &t.Provider, &t.ProviderTransactionID,
		&t.GatewayTransactionID, &t.Status, &t.RetryCount, &t.WebhookReceived, &t.Message, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) CreatePaymentTransaction(ctx context.Context, t *models.PaymentTransaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_transactions (id, order_id, type, amount, provider, provider_transaction_id,
			gateway_transaction_id, status, retry_count, webhook_received, message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		t.ID, t.OrderID, t.Type, t.Amount, t.Provider, t.ProviderTransactionID,
		t.GatewayTransactionID, t.Status, t.RetryCount, t.WebhookReceived, t.Message, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("payment transaction insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetPaymentTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (s *Postgres) FindPaymentTransactionByProviderID(ctx context.Context, providerTxnID string) (*models.PaymentTransaction, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE provider_transaction_id = $1`, providerTxnID))
}

func (s *Postgres) FindPaymentTransactionByGatewayID(ctx context.Context, gatewayTxnID string) (*models.PaymentTransaction, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE gateway_transaction_id = $1`, gatewayTxnID))
}

func (s *Postgres) UpdatePaymentTransactionStatus(ctx context.Context, id uuid.UUID, upd models.PaymentStatusUpdate) error {
	// Updates only commute from PENDING; the WHERE clause makes a second
	// terminal update, or a late poll against a settled row, a detectable no-op.
	query := `UPDATE payment_transactions SET status = $1,
		gateway_transaction_id = COALESCE($2, gateway_transaction_id),
		webhook_received = webhook_received OR $3,
		retry_count = COALESCE($4, retry_count),
		message = CASE WHEN $5 <> '' THEN $5 ELSE message END,
		updated_at = now()
	 WHERE id = $6 AND status = 'PENDING'`
	args := []any{upd.Status, upd.GatewayTransactionID, upd.WebhookReceived, upd.RetryCount, upd.Message, id}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("payment transaction update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("payment transaction existence check failed: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrAlreadyFinal
	}
	return nil
}

func (s *Postgres) ListPendingPaymentTransactions(ctx context.Context, olderThan time.Time) ([]models.PaymentTransaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions
		 WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.PaymentTransaction
	for rows.Next() {
		var t models.PaymentTransaction
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Type, &t.Amount, &t.Provider, &t.ProviderTransactionID,
			&t.GatewayTransactionID, &t.Status, &t.RetryCount, &t.WebhookReceived, &t.Message, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *Postgres) ListEscrowTransactions(ctx context.Context, orderID uuid.UUID) ([]models.EscrowTransaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_id, transaction_type, amount, from_stage, to_stage,
			payment_transaction_id, approved_by, notes, created_at
		 FROM escrow_transactions WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.EscrowTransaction
	for rows.Next() {
		var e models.EscrowTransaction
		if err := rows.Scan(&e.ID, &e.OrderID, &e.TransactionType, &e.Amount, &e.FromStage, &e.ToStage,
			&e.PaymentTransactionID, &e.ApprovedBy, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Postgres) ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_id, from_status, to_status, event, actor, created_at
		 FROM status_history WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hist []models.StatusHistory
	for rows.Next() {
		var h models.StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FromStatus, &h.ToStatus, &h.Event, &h.Actor, &h.CreatedAt); err != nil {
			return nil, err
		}
		hist = append(hist, h)
	}
	return hist, rows.Err()
}
