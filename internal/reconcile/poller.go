package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/config"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

// Poller periodically reconciles PENDING transactions whose webhooks are
// delayed or lost. Transactions PENDING past the abandonment window are
// failed locally: the gateway's intent cannot be guessed forever.
type Poller struct {
	store        store.Store
	orchestrator *Orchestrator
	cfg          config.VerifyConfig
	logger       *zap.Logger
}

func NewPoller(s store.Store, o *Orchestrator, cfg config.VerifyConfig, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{store: s, orchestrator: o, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	// Skip transactions younger than one poll interval; their webhook may
	// simply not have arrived yet.
	cutoff := time.Now().Add(-p.cfg.PollInterval)
	txns, err := p.store.ListPendingPaymentTransactions(ctx, cutoff)
	if err != nil {
		p.logger.Error("pending transaction scan failed", zap.Error(err))
		return
	}

	for _, txn := range txns {
		if time.Since(txn.CreatedAt) > p.cfg.PendingAbandonAfter {
			p.abandon(ctx, txn)
			continue
		}
		if _, err := p.orchestrator.VerifyPaymentStatus(ctx, txn.ID, p.cfg.MaxRetries, p.cfg.BaseDelay); err != nil {
			p.logger.Warn("verification failed",
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(err))
		}
	}
}

func (p *Poller) abandon(ctx context.Context, txn models.PaymentTransaction) {
	upd := models.PaymentStatusUpdate{
		Status:  models.PaymentFailed,
		Message: "abandoned: gateway status unresolved past abandonment window",
	}
	if err := p.store.UpdatePaymentTransactionStatus(ctx, txn.ID, upd); err != nil && !errors.Is(err, store.ErrAlreadyFinal) {
		p.logger.Error("abandonment update failed",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		return
	}
	verificationsTotal.WithLabelValues("abandoned").Inc()
	p.logger.Warn("pending transaction abandoned",
		zap.String("transaction_id", txn.ID.String()),
		zap.Duration("age", time.Since(txn.CreatedAt)))
}
