package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"github.com/kofiamankwah/stitchpay/internal/gateway"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/store"
)

const testSecret = "webhook-secret"

// fakeGateway verifies real HMAC signatures but serves canned poll results.
type fakeGateway struct {
	pollResults []gateway.StatusResult
	pollErr     error
	pollCalls   int
}

func (f *fakeGateway) GetTransactionStatus(_ context.Context, id string) (gateway.StatusResult, error) {
	f.pollCalls++
	if f.pollErr != nil {
		return gateway.StatusResult{}, f.pollErr
	}
	i := f.pollCalls - 1
	if i >= len(f.pollResults) {
		i = len(f.pollResults) - 1
	}
	return f.pollResults[i], nil
}

func (f *fakeGateway) VerifyWebhookSignature(rawPayload []byte, signatureHeader string) bool {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(rawPayload)
	return hex.EncodeToString(mac.Sum(nil)) == signatureHeader
}

func (f *fakeGateway) MapProviderStatus(code string) models.PaymentStatus {
	return gateway.MapProviderStatus(code)
}

func signPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// faultStore injects a bounded number of transient failures into the escrow
// and status writes.
type faultStore struct {
	*store.Memory
	failEscrow int
	failStatus int
}

func (f *faultStore) UpdateOrderEscrow(ctx context.Context, orderID uuid.UUID, expectStage models.EscrowStage, upd models.OrderEscrowUpdate, entry *models.EscrowTransaction) error {
	if f.failEscrow > 0 {
		f.failEscrow--
		return errors.New("connection reset")
	}
	return f.Memory.UpdateOrderEscrow(ctx, orderID, expectStage, upd, entry)
}

func (f *faultStore) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, expectStatus, toStatus models.OrderStatus, stage models.EscrowStage, progress int, hist *models.StatusHistory) error {
	if f.failStatus > 0 {
		f.failStatus--
		return errors.New("connection reset")
	}
	return f.Memory.UpdateOrderStatus(ctx, orderID, expectStatus, toStatus, stage, progress, hist)
}
