package models

import "time"

// Checkout idempotency ledger states.
const (
	CheckoutStatusInProgress = "in_progress"
	CheckoutStatusCompleted  = "completed"
	CheckoutStatusFailed     = "failed"
)

// CheckoutIdempotencyTTL is how long a ledger row answers replays.
const CheckoutIdempotencyTTL = 24 * time.Hour

// CheckoutIdempotency is the durable record of a checkout-session request
// keyed by (workspace, client key). A completed row always holds a session.
type CheckoutIdempotency struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID            string    `gorm:"type:uuid;not null;index:ux_checkout_idempotency_ws_key,unique,priority:1" json:"workspace_id"`
	ClientKey              string    `gorm:"type:uuid;not null;index:ux_checkout_idempotency_ws_key,unique,priority:2" json:"client_key"`
	PlanVariantID          string    `gorm:"type:uuid;not null" json:"plan_variant_id"`
	RequestFingerprint     string    `gorm:"type:varchar(64);not null" json:"request_fingerprint"`
	UpstreamIdempotencyKey string    `gorm:"type:varchar(255);not null" json:"upstream_idempotency_key"`
	UpstreamSessionID      string    `gorm:"type:varchar(191);default:''" json:"upstream_session_id"`
	UpstreamSessionURL     string    `gorm:"type:text" json:"upstream_session_url"`
	Status                 string    `gorm:"type:varchar(20);not null;default:'in_progress'" json:"status"`
	LastError              string    `gorm:"type:text" json:"last_error"`
	ExpiresAt              time.Time `gorm:"type:timestamptz;not null;index" json:"expires_at"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CheckoutIdempotency) TableName() string {
	return "checkout_idempotency"
}

// Expired reports whether the row no longer answers replays.
func (c *CheckoutIdempotency) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
