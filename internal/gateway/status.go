package gateway

import (
	"strings"

	"github.com/kofiamankwah/stitchpay/internal/models"
)

// providerStatus maps the provider's status vocabulary onto the canonical
// four-value enum. Hubtel mixes response codes ("0000") with status words, and
// has changed the words across API generations, so the table is deliberately
// wide.
var providerStatus = map[string]models.PaymentStatus{
	// success
	"success":    models.PaymentSuccess,
	"successful": models.PaymentSuccess,
	"succeeded":  models.PaymentSuccess,
	"paid":       models.PaymentSuccess,
	"completed":  models.PaymentSuccess,
	"complete":   models.PaymentSuccess,
	"0000":       models.PaymentSuccess,

	// failure
	"failed":             models.PaymentFailed,
	"failure":            models.PaymentFailed,
	"error":              models.PaymentFailed,
	"declined":           models.PaymentFailed,
	"rejected":           models.PaymentFailed,
	"insufficient_funds": models.PaymentFailed,
	"timeout":            models.PaymentFailed,
	"2001":               models.PaymentFailed,
	"4000":               models.PaymentFailed,

	// cancellation
	"cancelled": models.PaymentCancelled,
	"canceled":  models.PaymentCancelled,
	"voided":    models.PaymentCancelled,
	"expired":   models.PaymentCancelled,

	// pending
	"pending":    models.PaymentPending,
	"processing": models.PaymentPending,
	"initiated":  models.PaymentPending,
	"accepted":   models.PaymentPending,
	"0001":       models.PaymentPending,
	"0005":       models.PaymentPending,
}

// MapProviderStatus translates a provider status string or response code to
// the canonical enum. Unknown codes map to PENDING: an unrecognized status
// must never be treated as final in either direction.
func MapProviderStatus(code string) models.PaymentStatus {
	if s, ok := providerStatus[strings.ToLower(strings.TrimSpace(code))]; ok {
		return s
	}
	return models.PaymentPending
}
