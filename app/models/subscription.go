package models

import "time"

// Internal subscription statuses (mapped from upstream).
const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusUnpaid   = "unpaid"
	SubscriptionStatusPaused   = "paused"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription is the local copy of a billing subscription. Free-tier rows
// have no upstream linkage (empty stripe ids) and are maintained by the
// ensure_free_subscription_for_workspace function.
type Subscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	WorkspaceID          string     `gorm:"type:uuid;not null;index" json:"workspace_id"`
	PlanSlug             string     `gorm:"type:varchar(50);not null;default:'free'" json:"plan_slug"`
	PlanVariantID        string     `gorm:"type:uuid;default:null" json:"plan_variant_id,omitempty"`
	Status               string     `gorm:"type:varchar(20);not null;index" json:"status"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);default:'';index" json:"stripe_subscription_id"`
	StripeCustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"stripe_customer_id"`
	CurrentPeriodStart   *time.Time `gorm:"type:timestamptz;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamptz;default:null" json:"current_period_end,omitempty"`
	TrialStart           *time.Time `gorm:"type:timestamptz;default:null" json:"trial_start,omitempty"`
	TrialEnd             *time.Time `gorm:"type:timestamptz;default:null" json:"trial_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CanceledAt           *time.Time `gorm:"type:timestamptz;default:null" json:"canceled_at,omitempty"`
	EndedAt              *time.Time `gorm:"type:timestamptz;default:null" json:"ended_at,omitempty"`
	GracePeriodEnd       *time.Time `gorm:"type:timestamptz;default:null;index" json:"grace_period_end,omitempty"`
	MetadataJSON         string     `gorm:"type:text" json:"metadata_json"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// HasUpstream reports whether the row is linked to a provider subscription.
func (s *Subscription) HasUpstream() bool {
	return s.StripeSubscriptionID != ""
}
