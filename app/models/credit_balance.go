package models

import "time"

const (
	BalanceStatusActive     = "active"
	BalanceStatusExpired    = "expired"
	BalanceStatusConsumed   = "consumed"
	BalanceStatusRolledOver = "rolled_over"
)

const (
	BalanceSourceGrant    = "grant"
	BalanceSourceRollover = "rollover"
)

// CreditBalance is a discrete credit grant. Amount is what remains; the
// original amount never changes. A balance leaves the active status exactly
// once (expired, consumed, or rolled_over) and stays closed afterwards.
type CreditBalance struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;index:idx_credit_balances_user_status,priority:1" json:"user_id"`
	PackageID      uint       `gorm:"index" json:"package_id"`
	Source         string     `gorm:"type:varchar(20);not null;default:'grant'" json:"source"`
	Amount         int64      `gorm:"not null;default:0" json:"amount"`
	OriginalAmount int64      `gorm:"not null;default:0" json:"original_amount"`
	GrantedAt      time.Time  `gorm:"not null;index" json:"granted_at"`
	ExpiresAt      *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	Status         string     `gorm:"type:varchar(20);not null;default:'active';index:idx_credit_balances_user_status,priority:2" json:"status"`
	ClosedAt       *time.Time `gorm:"type:timestamp;default:null" json:"closed_at,omitempty"`
	TransactionID  string     `gorm:"type:varchar(36);not null;default:''" json:"transaction_id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasExpiry reports whether the balance carries an expiration date.
func (b *CreditBalance) HasExpiry() bool {
	return b.ExpiresAt != nil
}

// ExpiredAt reports whether the balance's expiry has passed at the given
// instant. Balances without an expiry never expire.
func (b *CreditBalance) ExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// IsOpen reports whether the balance is still in the active status.
func (b *CreditBalance) IsOpen() bool {
	return b.Status == BalanceStatusActive
}
