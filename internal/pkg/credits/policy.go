package credits

import (
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// Partition groups a user's active balances at one instant.
type Partition struct {
	// Expired balances have an expiry at or before the instant, whatever
	// their remaining amount.
	Expired []models.CreditBalance
	// Eligible balances are unexpired with remaining credit and carry
	// forward on renewal.
	Eligible []models.CreditBalance
	// Depleted balances are unexpired with nothing left; they are closed as
	// consumed, never rolled over.
	Depleted []models.CreditBalance
}

// EligibleTotal sums the remaining amounts of the rollover-eligible set.
func (p Partition) EligibleTotal() int64 {
	var total int64
	for _, b := range p.Eligible {
		total += b.Amount
	}
	return total
}

// PartitionBalances splits active balances by what happens to them on
// renewal. Expiration wins over depletion: an expired balance is expired even
// at zero remaining. The function has no side effects; the caller supplies
// the clock.
func PartitionBalances(now time.Time, balances []models.CreditBalance) Partition {
	var p Partition
	for _, b := range balances {
		switch {
		case b.ExpiredAt(now):
			p.Expired = append(p.Expired, b)
		case b.Amount <= 0:
			p.Depleted = append(p.Depleted, b)
		default:
			p.Eligible = append(p.Eligible, b)
		}
	}
	return p
}

// RolloverExpiry computes the expiry of a rolled-over balance: non-expiring
// credits stay non-expiring, everything else gets now + window. A window of
// zero makes carried credits non-expiring.
func RolloverExpiry(now time.Time, original *time.Time, window time.Duration) *time.Time {
	if original == nil || window <= 0 {
		return nil
	}
	t := now.Add(window)
	return &t
}

// GrantExpiry computes the expiry of a fresh grant anchored at the given
// instant (period end for invoices, allocation time for tranches). A window
// of zero means the grant never expires.
func GrantExpiry(anchor time.Time, window time.Duration) *time.Time {
	if window <= 0 {
		return nil
	}
	t := anchor.Add(window)
	return &t
}
