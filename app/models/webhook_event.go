package models

import "time"

// Webhook event lifecycle states. A row is claimed by exactly one processor
// at a time; expired claims are reclaimable.
const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

// StripeWebhookEvent stores provider webhook payloads with deduplication and
// lease metadata for at-most-once destructive processing.
type StripeWebhookEvent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	EventID             string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType           string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON         string     `gorm:"type:text;not null" json:"payload_json"`
	Status              string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_webhook_events_due" json:"status"`
	Attempts            int        `gorm:"not null;default:0" json:"attempts"`
	LastError           string     `gorm:"type:text" json:"last_error"`
	ProcessorID         string     `gorm:"type:varchar(64);default:''" json:"processor_id"`
	ProcessingStartedAt *time.Time `gorm:"type:timestamptz;default:null" json:"processing_started_at,omitempty"`
	ClaimExpiresAt      *time.Time `gorm:"type:timestamptz;default:null;index" json:"claim_expires_at,omitempty"`
	NextAttemptAt       *time.Time `gorm:"type:timestamptz;default:null;index:idx_webhook_events_due" json:"next_attempt_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	ProcessedAt         *time.Time `gorm:"type:timestamptz;default:null;index" json:"processed_at,omitempty"`
}

func (StripeWebhookEvent) TableName() string {
	return "stripe_webhook_events"
}
