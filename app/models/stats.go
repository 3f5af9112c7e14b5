package models

import "time"

// DailyStats repräsentiert Statistiken für einen einzelnen Tag
type DailyStats struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// CreditDailyStat holds the per-day credit counters flushed from Redis. Day
// is formatted "2006-01-02" in UTC.
type CreditDailyStat struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Day               string    `gorm:"type:varchar(10);not null;uniqueIndex" json:"day"`
	EventsProcessed   int64     `gorm:"not null;default:0" json:"events_processed"`
	DuplicateEvents   int64     `gorm:"not null;default:0" json:"duplicate_events"`
	CreditsGranted    int64     `gorm:"not null;default:0" json:"credits_granted"`
	CreditsRolledOver int64     `gorm:"not null;default:0" json:"credits_rolled_over"`
	CreditsDebited    int64     `gorm:"not null;default:0" json:"credits_debited"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
