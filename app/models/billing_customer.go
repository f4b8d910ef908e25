package models

import "time"

// Billing customer audit event types.
const (
	CustomerEventValidated      = "validated"
	CustomerEventInvalidated    = "invalidated"
	CustomerEventRecreated      = "recreated"
	CustomerEventWebhookDeleted = "webhook_deleted"
)

// WorkspaceBillingCustomer maps a workspace to its upstream billing customer.
// At most one row exists per workspace.
type WorkspaceBillingCustomer struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID      string    `gorm:"type:uuid;not null;uniqueIndex" json:"workspace_id"`
	StripeCustomerID string    `gorm:"type:varchar(191);not null;index" json:"stripe_customer_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WorkspaceBillingCustomer) TableName() string {
	return "workspace_billing_customers"
}

// BillingCustomerEvent is an append-only audit trail of customer-mapping
// transitions (validation, invalidation, recreation, upstream deletion).
type BillingCustomerEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WorkspaceID   string    `gorm:"type:uuid;not null;index" json:"workspace_id"`
	EventType     string    `gorm:"type:varchar(30);not null" json:"event_type"`
	OldCustomerID string    `gorm:"type:varchar(191);default:''" json:"old_customer_id"`
	NewCustomerID string    `gorm:"type:varchar(191);default:''" json:"new_customer_id"`
	Reason        string    `gorm:"type:text" json:"reason"`
	StripeEventID string    `gorm:"type:varchar(191);default:''" json:"stripe_event_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BillingCustomerEvent) TableName() string {
	return "billing_customer_events"
}
