// Package gateway talks to the mobile-money payment provider: payment
// initiation, status polling, webhook signature verification, and mapping of
// the provider's status vocabulary to the canonical enum.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kofiamankwah/stitchpay/internal/config"
	"github.com/kofiamankwah/stitchpay/internal/models"
	"github.com/kofiamankwah/stitchpay/internal/retry"
)

// signaturePrefix is the scheme tag the provider prepends to the hex digest
// in the signature header.
const signaturePrefix = "sha256="

// HTTPError carries a non-2xx gateway response so the retry predicate can
// branch on the status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// retryableHTTP marks 408/429/5xx as transient; other 4xx responses are
// validation failures and retrying them cannot help.
func retryableHTTP(err error) bool {
	if retry.IsTransient(err) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusRequestTimeout ||
			httpErr.StatusCode == http.StatusTooManyRequests ||
			httpErr.StatusCode >= 500
	}
	return false
}

// InitiationResult is the canonical outcome of a payment initiation.
type InitiationResult struct {
	GatewayTransactionID string               `json:"gateway_transaction_id"`
	Status               models.PaymentStatus `json:"status"`
	PaymentURL           string               `json:"payment_url,omitempty"`
	Message              string               `json:"message"`
}

// StatusResult is the outcome of a status poll.
type StatusResult struct {
	GatewayTransactionID string               `json:"gateway_transaction_id"`
	Status               models.PaymentStatus `json:"status"`
	ProviderStatus       string               `json:"provider_status"`
}

// Client is the Hubtel-style receive-money client.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	retryCfg   retry.Config
	breaker    *retry.Breaker
	logger     *zap.Logger
}

func NewClient(cfg config.GatewayConfig, retryCfg retry.Config, breaker *retry.Breaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryCfg.Retryable = retryableHTTP
	retryCfg.Logger = logger
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		retryCfg:   retryCfg,
		breaker:    breaker,
		logger:     logger,
	}
}

type initiateRequest struct {
	CustomerMsisdn     string `json:"CustomerMsisdn"`
	Channel            string `json:"Channel"`
	Amount             string `json:"Amount"`
	PrimaryCallbackURL string `json:"PrimaryCallbackUrl"`
	Description        string `json:"Description"`
	ClientReference    string `json:"ClientReference"`
}

type providerResponse struct {
	ResponseCode string `json:"ResponseCode"`
	Message      string `json:"Message"`
	Data         struct {
		TransactionID     string `json:"TransactionId"`
		CheckoutDirectURL string `json:"CheckoutDirectUrl"`
		TransactionStatus string `json:"TransactionStatus"`
		Description       string `json:"Description"`
	} `json:"Data"`
}

// InitiatePayment validates the payer contact, resolves the mobile money
// channel, and sends the charge request under the retry policy. The
// clientReference doubles as the provider-side idempotency key.
func (c *Client) InitiatePayment(ctx context.Context, amount decimal.Decimal, payerContact, description, clientReference string) (InitiationResult, error) {
	msisdn, err := NormalizeMSISDN(payerContact)
	if err != nil {
		return InitiationResult{}, err
	}
	channel, err := ResolveChannel(msisdn)
	if err != nil {
		return InitiationResult{}, err
	}

	body := initiateRequest{
		CustomerMsisdn:     msisdn,
		Channel:            channel,
		Amount:             amount.StringFixed(2),
		PrimaryCallbackURL: c.cfg.CallbackBaseURL + "/api/v1/webhooks/hubtel",
		Description:        description,
		ClientReference:    clientReference,
	}

	var resp providerResponse
	err = c.retryCfg.Do(ctx, "gateway.initiate", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.post(ctx, "/receive/mobilemoney", body, &resp)
		})
	})
	if err != nil {
		return InitiationResult{}, fmt.Errorf("initiate payment: %w", err)
	}

	status := MapProviderStatus(resp.ResponseCode)
	if resp.Data.TransactionStatus != "" {
		status = MapProviderStatus(resp.Data.TransactionStatus)
	}

	c.logger.Info("payment initiated",
		zap.String("client_reference", clientReference),
		zap.String("gateway_transaction_id", resp.Data.TransactionID),
		zap.String("status", string(status)))

	return InitiationResult{
		GatewayTransactionID: resp.Data.TransactionID,
		Status:               status,
		PaymentURL:           resp.Data.CheckoutDirectURL,
		Message:              resp.Message,
	}, nil
}

// GetTransactionStatus polls the provider for current status. Uses the same
// retry policy as initiation but a shorter per-request timeout.
func (c *Client) GetTransactionStatus(ctx context.Context, gatewayTransactionID string) (StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	var resp providerResponse
	err := c.retryCfg.Do(ctx, "gateway.poll", func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.get(ctx, "/transactions/"+gatewayTransactionID+"/status", &resp)
		})
	})
	if err != nil {
		return StatusResult{}, fmt.Errorf("poll transaction status: %w", err)
	}

	provider := resp.Data.TransactionStatus
	if provider == "" {
		provider = resp.ResponseCode
	}
	return StatusResult{
		GatewayTransactionID: resp.Data.TransactionID,
		Status:               MapProviderStatus(provider),
		ProviderStatus:       provider,
	}, nil
}

// VerifyWebhookSignature recomputes the HMAC-SHA256 of the raw payload under
// the shared secret and compares it in constant time against the header
// value. A false return must cause the caller to drop the webhook.
func (c *Client) VerifyWebhookSignature(rawPayload []byte, signatureHeader string) bool {
	provided := strings.TrimPrefix(strings.TrimSpace(signatureHeader), signaturePrefix)
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(rawPayload)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(expected, decoded) == 1
}

// MapProviderStatus is exposed on the client so callers can hold a single
// gateway interface.
func (c *Client) MapProviderStatus(code string) models.PaymentStatus {
	return MapProviderStatus(code)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	c.logger.Debug("gateway request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
