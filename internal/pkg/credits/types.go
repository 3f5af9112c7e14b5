package credits

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// Event kinds: invoice events come from the billing provider, allocation
// events are synthesized by the monthly allocation scheduler.
const (
	EventKindInvoice    = "invoice"
	EventKindAllocation = "allocation"
)

// ProviderInternal marks events the engine generates itself.
const ProviderInternal = "internal"

// BillingEvent is the validated, normalized form of one billing occurrence.
// Credit amounts are always resolved from package configuration; the payload
// never dictates them.
type BillingEvent struct {
	EventID                string `json:"event_id" validate:"required,min=1,max=191"`
	Provider               string `json:"provider" validate:"required,oneof=stripe patreon internal"`
	EventType              string `json:"event_type" validate:"required,max=100"`
	Kind                   string `json:"kind" validate:"required,oneof=invoice allocation"`
	ProviderSubscriptionID string `json:"provider_subscription_id" validate:"required,max=191"`
	PackageSlug            string `json:"package_slug" validate:"required,max=100"`
	UserID                 uint   `json:"user_id"`
	// SubscriptionID short-circuits subscription resolution for internally
	// generated events; webhook events leave it zero.
	SubscriptionID uint       `json:"subscription_id"`
	PeriodStart    *time.Time `json:"period_start"`
	PeriodEnd      *time.Time `json:"period_end"`
	// PeriodKey is set for allocation events ("2025-07"); invoice events
	// derive it from the period start.
	PeriodKey  string    `json:"period_key"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the normalized event before it reaches the processor.
func (e *BillingEvent) Validate() error {
	v := validator.New()
	if err := v.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Kind == EventKindAllocation && e.PeriodKey == "" {
		return fmt.Errorf("%w: allocation events require a period key", ErrInvalidEvent)
	}
	return nil
}

// EffectiveAt returns the instant the event is evaluated against: the
// event's occurrence time, falling back to the current time.
func (e *BillingEvent) EffectiveAt() time.Time {
	if !e.OccurredAt.IsZero() {
		return e.OccurredAt.UTC()
	}
	return time.Now().UTC()
}

// RenewalResult reports what one processed event did to the ledger.
type RenewalResult struct {
	Applied           bool   `json:"applied"`
	Duplicate         bool   `json:"duplicate"`
	EventID           string `json:"event_id"`
	SubscriptionID    uint   `json:"subscription_id"`
	UserID            uint   `json:"user_id"`
	CreditsGranted    int64  `json:"credits_granted"`
	CreditsRolledOver int64  `json:"credits_rolled_over"`
	TotalActive       int64  `json:"total_active"`
	BalancesExpired   int    `json:"balances_expired"`
	BalancesRolled    int    `json:"balances_rolled"`
}

// AllocationResult reports the outcome of ensuring one monthly tranche.
type AllocationResult struct {
	SubscriptionID uint           `json:"subscription_id"`
	PeriodKey      string         `json:"period_key"`
	Allocated      bool           `json:"allocated"`
	Credits        int64          `json:"credits"`
	Renewal        *RenewalResult `json:"renewal,omitempty"`
}

// GrantInput describes one balance creation through the ledger.
type GrantInput struct {
	UserID         uint
	PackageID      uint
	SubscriptionID *uint
	Source         string
	Amount         int64
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	EventID        string
	Description    string
}

// DebitInput describes a consumption request against a user's balances.
type DebitInput struct {
	UserID   uint   `json:"user_id" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	Endpoint string `json:"endpoint" validate:"max=100"`
	Note     string `json:"note" validate:"max=255"`
}

// Validate checks a debit request.
func (d *DebitInput) Validate() error {
	v := validator.New()
	return v.Struct(d)
}

// DebitResult reports a completed consumption.
type DebitResult struct {
	TransactionID string `json:"transaction_id"`
	Debited       int64  `json:"debited"`
	TotalActive   int64  `json:"total_active"`
	BalancesUsed  int    `json:"balances_used"`
}

// HistoryFilter narrows a transaction history query.
type HistoryFilter struct {
	Type string
	From *time.Time
	To   *time.Time
}

// BalanceSummary aggregates a user's current credit position.
type BalanceSummary struct {
	UserID      uint                   `json:"user_id"`
	TotalActive int64                  `json:"total_active"`
	TotalEarned int64                  `json:"total_earned"`
	TotalUsed   int64                  `json:"total_used"`
	Balances    []models.CreditBalance `json:"balances"`
}
