package models

import "time"

// Billing intervals for plan variants.
const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// Plan is a sellable tier (free, pro, business, enterprise).
type Plan struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Slug      string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"slug"`
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// PlanVariant binds a plan to one upstream recurring price
// (slug, interval, currency).
type PlanVariant struct {
	ID              string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	PlanSlug        string    `gorm:"type:varchar(50);not null;index:ux_plan_variants_slug_interval_ccy,unique,priority:1" json:"plan_slug"`
	Interval        string    `gorm:"type:varchar(10);not null;index:ux_plan_variants_slug_interval_ccy,unique,priority:2" json:"interval"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'usd';index:ux_plan_variants_slug_interval_ccy,unique,priority:3" json:"currency"`
	StripePriceID   string    `gorm:"type:varchar(191);default:'';index" json:"stripe_price_id"`
	AmountCents     int64     `gorm:"not null;default:0" json:"amount_cents"`
	TrialPeriodDays int       `gorm:"not null;default:0" json:"trial_period_days"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PlanVariant) TableName() string {
	return "plan_variants"
}
