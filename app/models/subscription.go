package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe  = "stripe"
	BillingProviderPatreon = "patreon"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusExpired    = "expired"
	SubscriptionStatusPaused     = "paused"
)

// Allocation cycles: upfront grants the whole period at renewal, monthly
// releases yearly packages as one tranche per month.
const (
	AllocationCycleUpfront = "upfront"
	AllocationCycleMonthly = "monthly"
)

// Subscription mirrors a provider subscription and pins the credit terms the
// engine applies on each renewal. Rows are never deleted; a subscription is
// superseded or moved through its status instead.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	PackageID              uint       `gorm:"not null;index" json:"package_id"`
	PackageSlug            string     `gorm:"type:varchar(100);not null;index" json:"package_slug"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_status_cycle,priority:1" json:"status"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CreditsPerPeriod       int64      `gorm:"not null;default:0" json:"credits_per_period"`
	AllocationCycle        string     `gorm:"type:varchar(16);not null;default:'upfront';index:idx_subscriptions_status_cycle,priority:2" json:"allocation_cycle"`
	LastAllocationAt       *time.Time `gorm:"type:timestamp;default:null" json:"last_allocation_at,omitempty"`
	NextAllocationAt       *time.Time `gorm:"type:timestamp;default:null" json:"next_allocation_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// UsesMonthlyTranches reports whether the subscription releases its yearly
// credit volume month by month.
func (s *Subscription) UsesMonthlyTranches() bool {
	return s.BillingInterval == BillingIntervalYear && s.AllocationCycle == AllocationCycleMonthly
}

// IsActive reports whether renewals and allocations should run for this
// subscription.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}
