package mail

import (
	"fmt"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
)

// AllocationAlertNotifier sends operator alerts for allocation failures
// that exhausted their retries. The recipient comes from ALERT_EMAIL and
// falls back to SMTP_SENDER.
type AllocationAlertNotifier struct{}

func NewAllocationAlertNotifier() *AllocationAlertNotifier {
	return &AllocationAlertNotifier{}
}

func (n *AllocationAlertNotifier) SendAllocationExhaustedAlert(sub *models.Subscription, periodKey, lastError string) error {
	to := env.GetEnv("ALERT_EMAIL", "")
	if to == "" {
		to = env.GetEnv("SMTP_SENDER", "")
	}
	if to == "" {
		return fmt.Errorf("no alert recipient configured (ALERT_EMAIL)")
	}

	subject := fmt.Sprintf("[CreditFox] Allocation exhausted: subscription %d period %s", sub.ID, periodKey)
	body := fmt.Sprintf(
		"<h2>Monthly allocation failed permanently</h2>"+
			"<p>Subscription <strong>%d</strong> (user %d, package %s) could not be allocated for period <strong>%s</strong>.</p>"+
			"<p>All retries are exhausted. The failed allocation needs manual intervention.</p>"+
			"<p>Last error:</p><pre>%s</pre>",
		sub.ID, sub.UserID, sub.PackageSlug, periodKey, lastError,
	)

	return SendMail(to, subject, body)
}
