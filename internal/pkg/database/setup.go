package database

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/env"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared GORM handle.
func GetDB() *gorm.DB {
	return DB
}

// SetDB swaps the shared handle; used by tests.
func SetDB(db *gorm.DB) {
	DB = db
}

// SetupDatabase connects to the Supabase-hosted Postgres instance and
// migrates the gateway-owned tables. Form/submission tables belong to the
// builder collaborator and are never migrated here.
func SetupDatabase() {
	dsn := ResolveDSN()

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			DB.AutoMigrate(
				&models.Workspace{},
				&models.WorkspaceMember{},
				&models.Plan{},
				&models.PlanVariant{},
				&models.Subscription{},
				&models.WorkspaceBillingCustomer{},
				&models.BillingCustomerEvent{},
				&models.CheckoutIdempotency{},
				&models.StripeWebhookEvent{},
			)
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// ResolveDSN prefers an explicit DATABASE_URL and otherwise derives the
// direct-connection DSN from the Supabase project URL plus the service-role
// password, the way the hosted platform lays out its database hosts.
func ResolveDSN() string {
	if dsn := strings.TrimSpace(env.GetEnv("DATABASE_URL", "")); dsn != "" {
		return dsn
	}

	host := "127.0.0.1"
	if raw := strings.TrimSpace(env.GetEnv("SUPABASE_URL", "")); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			// <ref>.supabase.co exposes Postgres at db.<ref>.supabase.co.
			host = "db." + u.Hostname()
		}
	}

	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		env.GetEnv("DB_HOST", host),
		env.GetEnv("DB_USER", "postgres"),
		env.GetEnv("DB_PASSWORD", env.GetEnv("SUPABASE_SERVICE_ROLE_KEY", "")),
		env.GetEnv("DB_NAME", "postgres"),
		env.GetEnv("DB_PORT", "5432"),
		env.GetEnv("DB_SSLMODE", "require"),
	)
}
