package billing

import (
	"strings"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// NormalizeSubscriptionStatus folds provider status strings onto the local
// subscription status set. Unrecognized values pass through lowercased.
func NormalizeSubscriptionStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return models.SubscriptionStatusCanceled
	case "incomplete":
		return models.SubscriptionStatusIncomplete
	case "paused":
		return models.SubscriptionStatusPaused
	default:
		return s
	}
}

// NormalizeInterval folds provider interval strings onto month/year.
func NormalizeInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "month", "monthly":
		return models.BillingIntervalMonth
	case "year", "yearly", "annual", "annually":
		return models.BillingIntervalYear
	default:
		return models.BillingIntervalUnknown
	}
}

// IsEntitlingStatus reports whether a subscription status grants its
// package's plan to the user.
func IsEntitlingStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return true
	default:
		return false
	}
}
