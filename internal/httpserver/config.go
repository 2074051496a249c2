package httpserver

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr          = ":8080"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	minPurchaseCredits   int64 = 5
	purchaseStep         int64 = 5
	dailyBonusCredits    int64 = 1
	walletHistoryLimit         = 20

	adminRole = "credits-admin"

	headerIdempotencyKey = "Idempotency-Key"
	headerReplay         = "X-Idempotent-Replay"
	headerWebhookSecret  = "X-Webhook-Secret"
)

// Config aggregates runtime settings for the credits API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// MinimumPurchaseCredits returns the smallest purchasable credit pack.
func MinimumPurchaseCredits() int64 {
	return minPurchaseCredits
}

// PurchaseIncrement returns the purchase step size.
func PurchaseIncrement() int64 {
	return purchaseStep
}

// DailyBonusCredits returns the once-per-day bonus amount.
func DailyBonusCredits() int64 {
	return dailyBonusCredits
}

// WalletHistoryLimit returns how many transactions are fetched for the UI.
func WalletHistoryLimit() int {
	return walletHistoryLimit
}
