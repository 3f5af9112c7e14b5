package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// CreditPackage is the static configuration of a purchasable package: how
// many credits a period grants, how long rolled credits live, and whether a
// yearly package releases its credits as monthly tranches.
type CreditPackage struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Slug               string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug" validate:"required,min=2,max=100"`
	Name               string    `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=2,max=150"`
	Credits            int64     `gorm:"not null;default:0" json:"credits" validate:"gte=0"`
	BillingInterval    string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval" validate:"oneof=month year"`
	RolloverWindowDays int       `gorm:"not null;default:0" json:"rollover_window_days" validate:"gte=0"`
	MonthlyTranche     bool      `gorm:"default:false" json:"monthly_tranche"`
	MonthlyCredits     int64     `gorm:"not null;default:0" json:"monthly_credits" validate:"gte=0"`
	IsActive           bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *CreditPackage) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// HasRolloverWindow reports whether credits from this package expire at all.
// A window of zero days means credits never expire.
func (p *CreditPackage) HasRolloverWindow() bool {
	return p.RolloverWindowDays > 0
}

// RolloverWindow returns the expiry window as a duration.
func (p *CreditPackage) RolloverWindow() time.Duration {
	return time.Duration(p.RolloverWindowDays) * 24 * time.Hour
}

// TrancheCredits returns the per-month amount for tranche packages, falling
// back to the full period amount when no tranche size is configured.
func (p *CreditPackage) TrancheCredits() int64 {
	if p.MonthlyCredits > 0 {
		return p.MonthlyCredits
	}
	return p.Credits
}
