package models

import "time"

// ProcessedBillingEvent records a billing event the engine has applied. The
// unique event id is the idempotency gate: the row is inserted first (the
// claim) inside the renewal's transaction, and the outcome columns are filled
// before that transaction commits. A rolled-back renewal leaves no row.
type ProcessedBillingEvent struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	EventID           string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	Provider          string     `gorm:"type:varchar(20);not null;index" json:"provider"`
	EventType         string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	SubscriptionID    uint       `gorm:"index" json:"subscription_id"`
	UserID            uint       `gorm:"index" json:"user_id"`
	PeriodStart       *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd         *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	CreditsGranted    int64      `gorm:"not null;default:0" json:"credits_granted"`
	CreditsRolledOver int64      `gorm:"not null;default:0" json:"credits_rolled_over"`
	TotalActiveAfter  int64      `gorm:"not null;default:0" json:"total_active_after"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
