package models

import "time"

const (
	FailedAllocationStatusPending   = "pending"
	FailedAllocationStatusResolved  = "resolved"
	FailedAllocationStatusExhausted = "exhausted"
)

// MaxAllocationRetries bounds how often a failed tranche is retried before
// the row is exhausted and operators are alerted.
const MaxAllocationRetries = 5

// FailedAllocation tracks a monthly tranche that could not be applied. Rows
// are written outside the failed transaction so they survive the rollback and
// drive the retry worker.
type FailedAllocation struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID  uint       `gorm:"not null;index:idx_failed_allocations_sub_period,priority:1" json:"subscription_id"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	PeriodKey       string     `gorm:"type:varchar(7);not null;index:idx_failed_allocations_sub_period,priority:2" json:"period_key"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"next_retry_at,omitempty"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NextBackoff returns the delay before the given retry attempt: doubling from
// one hour and capped at a day (1h, 2h, 4h, 8h, 16h, 24h, ...).
func NextBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 6 {
		retryCount = 6
	}
	hours := 1 << (retryCount - 1)
	if hours > 24 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Exhausted reports whether the allocation has used up its retry budget.
func (f *FailedAllocation) Exhausted() bool {
	return f.RetryCount >= MaxAllocationRetries
}
