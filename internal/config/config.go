package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	Gateway GatewayConfig
	Escrow  EscrowConfig
	Retry   RetryConfig
	Breaker BreakerConfig
	Verify  VerifyConfig
}

// GatewayConfig holds the mobile-money provider credentials and endpoints.
type GatewayConfig struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	WebhookSecret   string
	CallbackBaseURL string
	RequestTimeout  time.Duration
	PollTimeout     time.Duration
}

// EscrowConfig holds the installment split policy. The three ratios must sum to 1.
type EscrowConfig struct {
	DepositPct decimal.Decimal
	FittingPct decimal.Decimal
	FinalPct   decimal.Decimal
}

type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// VerifyConfig controls polling-based reconciliation for transactions whose
// webhooks are delayed or lost.
type VerifyConfig struct {
	MaxRetries          int
	BaseDelay           time.Duration
	PollInterval        time.Duration
	PendingAbandonAfter time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	webhookSecret := os.Getenv("HUBTEL_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("HUBTEL_WEBHOOK_SECRET environment variable is required")
	}

	depositPct, err := envDecimal("ESCROW_DEPOSIT_PCT", "0.25")
	if err != nil {
		return nil, err
	}
	fittingPct, err := envDecimal("ESCROW_FITTING_PCT", "0.50")
	if err != nil {
		return nil, err
	}
	finalPct, err := envDecimal("ESCROW_FINAL_PCT", "0.25")
	if err != nil {
		return nil, err
	}
	if !depositPct.Add(fittingPct).Add(finalPct).Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("escrow split ratios must sum to 1")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     envString("SERVER_PORT", "8080"),
		Env:      envString("ENVIRONMENT", "development"),
		Gateway: GatewayConfig{
			BaseURL:         envString("HUBTEL_BASE_URL", "https://rmp.hubtel.com"),
			ClientID:        os.Getenv("HUBTEL_CLIENT_ID"),
			ClientSecret:    os.Getenv("HUBTEL_CLIENT_SECRET"),
			WebhookSecret:   webhookSecret,
			CallbackBaseURL: envString("CALLBACK_BASE_URL", "http://localhost:8080"),
			RequestTimeout:  envDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
			PollTimeout:     envDuration("GATEWAY_POLL_TIMEOUT", 10*time.Second),
		},
		Escrow: EscrowConfig{
			DepositPct: depositPct,
			FittingPct: fittingPct,
			FinalPct:   finalPct,
		},
		Retry: RetryConfig{
			MaxAttempts:   envInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:     envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:      envDuration("RETRY_MAX_DELAY", 10*time.Second),
			BackoffFactor: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         envDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Verify: VerifyConfig{
			MaxRetries:          envInt("VERIFY_MAX_RETRIES", 3),
			BaseDelay:           envDuration("VERIFY_BASE_DELAY", 5*time.Second),
			PollInterval:        envDuration("VERIFY_POLL_INTERVAL", time.Minute),
			PendingAbandonAfter: envDuration("PENDING_ABANDON_AFTER", 24*time.Hour),
		},
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal in %s: %w", key, err)
	}
	return d, nil
}
