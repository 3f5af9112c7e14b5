package models

import (
	"fmt"
	"time"
)

const AllocationStatusCompleted = "completed"

// MonthlyAllocation marks one released tranche for a yearly subscription.
// The unique (subscription, period key) pair backs the idempotency claim so
// a month is never allocated twice. Period keys look like "2025-07".
type MonthlyAllocation struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID   uint      `gorm:"not null;index:ux_monthly_allocations_sub_period,unique,priority:1" json:"subscription_id"`
	PeriodKey        string    `gorm:"type:varchar(7);not null;index:ux_monthly_allocations_sub_period,unique,priority:2" json:"period_key"`
	UserID           uint      `gorm:"not null;index" json:"user_id"`
	EventID          string    `gorm:"type:varchar(191);not null;default:''" json:"event_id"`
	TransactionID    string    `gorm:"type:varchar(36);not null;default:''" json:"transaction_id"`
	BalanceID        *uint     `json:"balance_id,omitempty"`
	CreditsAllocated int64     `gorm:"not null;default:0" json:"credits_allocated"`
	Status           string    `gorm:"type:varchar(20);not null;default:'completed'" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AllocationEventID builds the synthetic billing event id that deduplicates a
// subscription's tranche for one period.
func AllocationEventID(subscriptionID uint, periodKey string) string {
	return fmt.Sprintf("alloc:%d:%s", subscriptionID, periodKey)
}

// PeriodKeyFor formats an instant as the allocation period key, always in UTC.
func PeriodKeyFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}
