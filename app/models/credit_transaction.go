package models

import "time"

const (
	TransactionTypeGrant       = "grant"
	TransactionTypeRolloverIn  = "rollover_in"
	TransactionTypeRolloverOut = "rollover_out"
	TransactionTypeDebit       = "debit"
)

// CreditTransaction is the append-only audit trail of every credit movement.
// BalanceBefore and BalanceAfter capture the user's aggregate active balance
// around the movement. Rows are never updated or deleted.
type CreditTransaction struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TransactionID  string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"transaction_id"`
	UserID         uint      `gorm:"not null;index:idx_credit_transactions_user_created,priority:1" json:"user_id"`
	Type           string    `gorm:"type:varchar(20);not null;index" json:"type"`
	Amount         int64     `gorm:"not null" json:"amount"`
	BalanceBefore  int64     `gorm:"not null;default:0" json:"balance_before"`
	BalanceAfter   int64     `gorm:"not null;default:0" json:"balance_after"`
	BalanceID      *uint     `gorm:"index" json:"balance_id,omitempty"`
	SubscriptionID *uint     `gorm:"index" json:"subscription_id,omitempty"`
	PackageID      *uint     `json:"package_id,omitempty"`
	EventID        string    `gorm:"type:varchar(191);not null;default:'';index" json:"event_id"`
	Description    string    `gorm:"type:varchar(255);not null;default:''" json:"description"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index:idx_credit_transactions_user_created,priority:2" json:"created_at"`
}
