package billing

import (
	"strings"

	"github.com/packetwarden/formflow-api/internal/pkg/env"
)

// Config captures every billing knob read from the environment.
type Config struct {
	SecretKey       string
	WebhookSecret   string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	ContactSalesURL string
	GraceDays       int
	ClaimTTLSeconds int
	MaxAttempts     int
	MaxBodyBytes    int
	RetryBatchSize  int
	GraceBatchSize  int
	CatalogEnabled  bool
	CatalogCron     string
	CatalogEnv      string
	InternalToken   string
}

// LoadConfig reads the billing configuration with spec defaults.
func LoadConfig() Config {
	return Config{
		SecretKey:       strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret:   strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SIGNING_SECRET", "")),
		SuccessURL:      strings.TrimSpace(env.GetEnv("CHECKOUT_SUCCESS_URL", "")),
		CancelURL:       strings.TrimSpace(env.GetEnv("CHECKOUT_CANCEL_URL", "")),
		PortalReturnURL: strings.TrimSpace(env.GetEnv("BILLING_PORTAL_RETURN_URL", "")),
		ContactSalesURL: strings.TrimSpace(env.GetEnv("CONTACT_SALES_URL", "")),
		GraceDays:       env.GetEnvInt("BILLING_GRACE_DAYS", 7),
		ClaimTTLSeconds: env.GetEnvInt("STRIPE_WEBHOOK_CLAIM_TTL_SECONDS", 300),
		MaxAttempts:     env.GetEnvInt("STRIPE_MAX_ATTEMPTS", 8),
		MaxBodyBytes:    env.GetEnvInt("STRIPE_WEBHOOK_MAX_BODY_BYTES", 262144),
		RetryBatchSize:  env.GetEnvInt("STRIPE_RETRY_BATCH_SIZE", 200),
		GraceBatchSize:  env.GetEnvInt("STRIPE_GRACE_BATCH_SIZE", 500),
		CatalogEnabled:  env.GetEnvBool("STRIPE_CATALOG_SYNC_ENABLED", true),
		CatalogCron:     strings.TrimSpace(env.GetEnv("STRIPE_CATALOG_SYNC_CRON", "*/15 * * * *")),
		CatalogEnv:      strings.TrimSpace(env.GetEnv("STRIPE_CATALOG_ENV", "")),
		InternalToken:   strings.TrimSpace(env.GetEnv("STRIPE_INTERNAL_ADMIN_TOKEN", "")),
	}
}

// Configured reports whether the upstream credentials are present.
func (c Config) Configured() bool {
	return c.SecretKey != ""
}
