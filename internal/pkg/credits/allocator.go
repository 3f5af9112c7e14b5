package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// AlertNotifier delivers operator alerts when an allocation runs out of
// retries. The mail package provides the SMTP implementation.
type AlertNotifier interface {
	SendAllocationExhaustedAlert(sub *models.Subscription, periodKey, lastError string) error
}

// Allocator ensures yearly tranche subscriptions receive exactly one credit
// allocation per month, sweeps subscriptions that are due, and retries
// failed allocations with backoff.
type Allocator struct {
	repo      Repository
	processor *Processor
	alerts    AlertNotifier
}

// NewAllocator creates an allocator. The notifier may be nil; exhaustion is
// then only logged.
func NewAllocator(repo Repository, processor *Processor, alerts AlertNotifier) *Allocator {
	return &Allocator{repo: repo, processor: processor, alerts: alerts}
}

// EnsureMonthlyAllocation allocates the subscription's tranche for one
// period at most once. The synthetic event id and the unique
// (subscription, period) index collapse concurrent triggers into a single
// grant; the full renewal cycle runs so unexpired remainders roll forward.
func (a *Allocator) EnsureMonthlyAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*AllocationResult, error) {
	existing, err := a.repo.GetMonthlyAllocation(ctx, subscriptionID, periodKey)
	if err == nil {
		return &AllocationResult{
			SubscriptionID: subscriptionID,
			PeriodKey:      periodKey,
			Allocated:      false,
			Credits:        existing.CreditsAllocated,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub, err := a.repo.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.UsesMonthlyTranches() {
		return nil, fmt.Errorf("%w: subscription %d does not use monthly tranches", ErrInvalidEvent, subscriptionID)
	}

	evt := BillingEvent{
		EventID:                models.AllocationEventID(sub.ID, periodKey),
		Provider:               ProviderInternal,
		EventType:              "allocation.monthly",
		Kind:                   EventKindAllocation,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PackageSlug:            sub.PackageSlug,
		UserID:                 sub.UserID,
		SubscriptionID:         sub.ID,
		PeriodKey:              periodKey,
	}

	renewal, err := a.processor.ProcessRenewal(ctx, evt)
	if err != nil {
		a.recordFailure(ctx, sub, periodKey, err)
		return nil, err
	}

	return &AllocationResult{
		SubscriptionID: sub.ID,
		PeriodKey:      periodKey,
		Allocated:      renewal.Applied,
		Credits:        renewal.CreditsGranted,
		Renewal:        renewal,
	}, nil
}

// AllocateDue sweeps active tranche subscriptions missing the current
// period's allocation. Failures are recorded per subscription and do not
// stop the sweep.
func (a *Allocator) AllocateDue(ctx context.Context, now time.Time) (int, int, error) {
	periodKey := models.PeriodKeyFor(now)
	subs, err := a.repo.ListDueTrancheSubscriptions(ctx, periodKey, now)
	if err != nil {
		return 0, 0, err
	}

	allocated := 0
	failed := 0
	for i := range subs {
		sub := &subs[i]
		result, err := a.EnsureMonthlyAllocation(ctx, sub.ID, periodKey)
		if err != nil {
			failed++
			log.Errorf("[Allocator] allocation failed for subscription %d period %s: %v", sub.ID, periodKey, err)
			continue
		}
		if result.Allocated {
			allocated++
			log.Infof("[Allocator] allocated %d credits to subscription %d for %s", result.Credits, sub.ID, periodKey)
		}
	}
	return allocated, failed, nil
}

// discrepancyLookbackMonths bounds how far back the scan walks. Older gaps
// need a manual backfill through the standalone allocator binary.
const discrepancyLookbackMonths = 12

// DetectDiscrepancies compares the months each tranche subscription should
// have been allocated for against the recorded allocations and backfills the
// gaps. A month missed while no sweep was running leaves neither an
// allocation nor a retry row, so only this comparison can find it. Periods
// that already carry a failed-allocation row are left to the retry worker or
// the operator.
func (a *Allocator) DetectDiscrepancies(ctx context.Context, now time.Time) (int, int, error) {
	subs, err := a.repo.ListTrancheSubscriptions(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	healed := 0
	failed := 0
	for i := range subs {
		sub := &subs[i]
		for _, periodKey := range missedPeriodKeys(sub, now) {
			if _, err := a.repo.GetMonthlyAllocation(ctx, sub.ID, periodKey); err == nil {
				continue
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return healed, failed, err
			}
			if _, err := a.repo.FindFailedAllocation(ctx, sub.ID, periodKey); err == nil {
				continue
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return healed, failed, err
			}

			log.Warnf("[Allocator] missing allocation detected for subscription %d period %s", sub.ID, periodKey)
			result, err := a.EnsureMonthlyAllocation(ctx, sub.ID, periodKey)
			if err != nil {
				failed++
				log.Errorf("[Allocator] backfill failed for subscription %d period %s: %v", sub.ID, periodKey, err)
				continue
			}
			if result.Allocated {
				healed++
				log.Infof("[Allocator] backfilled %d credits for subscription %d period %s", result.Credits, sub.ID, periodKey)
			}
		}
	}
	return healed, failed, nil
}

// missedPeriodKeys lists the past period keys the subscription should already
// hold an allocation for. The current month belongs to the regular sweep.
func missedPeriodKeys(sub *models.Subscription, now time.Time) []string {
	start := sub.CreatedAt
	if sub.CurrentPeriodStart != nil {
		start = *sub.CurrentPeriodStart
	}
	if floor := now.AddDate(0, -discrepancyLookbackMonths, 0); start.Before(floor) {
		start = floor
	}

	cursor := monthStart(start)
	currentMonth := monthStart(now)
	var keys []string
	for cursor.Before(currentMonth) {
		keys = append(keys, models.PeriodKeyFor(cursor))
		cursor = cursor.AddDate(0, 1, 0)
	}
	return keys
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// RetryFailed re-runs pending failed allocations that are due. Each retry
// either resolves the row, reschedules it with exponential backoff, or
// exhausts it and alerts operators.
func (a *Allocator) RetryFailed(ctx context.Context, now time.Time) (int, error) {
	due, err := a.repo.ListDueFailedAllocations(ctx, now)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range due {
		row := &due[i]
		result, err := a.EnsureMonthlyAllocation(ctx, row.SubscriptionID, row.PeriodKey)
		if err == nil {
			row.Status = models.FailedAllocationStatusResolved
			if result.Allocated {
				row.ResolutionNotes = fmt.Sprintf("allocated %d credits on retry %d", result.Credits, row.RetryCount+1)
			} else {
				row.ResolutionNotes = "allocation already present"
			}
			if saveErr := a.repo.SaveFailedAllocation(ctx, row); saveErr != nil {
				log.Errorf("[Allocator] could not resolve failed allocation %d: %v", row.ID, saveErr)
				continue
			}
			resolved++
			continue
		}

		row.RetryCount++
		row.LastError = err.Error()
		if row.Exhausted() {
			row.Status = models.FailedAllocationStatusExhausted
			row.NextRetryAt = nil
			log.Errorf("[Allocator] allocation for subscription %d period %s exhausted after %d retries: %v",
				row.SubscriptionID, row.PeriodKey, row.RetryCount, err)
			a.alertExhausted(ctx, row)
		} else {
			next := now.Add(models.NextBackoff(row.RetryCount + 1))
			row.NextRetryAt = &next
			log.Warnf("[Allocator] retry %d failed for subscription %d period %s, next at %s: %v",
				row.RetryCount, row.SubscriptionID, row.PeriodKey, next.Format(time.RFC3339), err)
		}
		if saveErr := a.repo.SaveFailedAllocation(ctx, row); saveErr != nil {
			log.Errorf("[Allocator] could not update failed allocation %d: %v", row.ID, saveErr)
		}
	}
	return resolved, nil
}

// recordFailure creates the pending retry row for a failed allocation. It
// runs after the renewal transaction rolled back, so the row survives. An
// existing pending row is left to the retry worker.
func (a *Allocator) recordFailure(ctx context.Context, sub *models.Subscription, periodKey string, cause error) {
	if _, err := a.repo.FindPendingFailedAllocation(ctx, sub.ID, periodKey); err == nil {
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Errorf("[Allocator] could not check failed allocations for subscription %d: %v", sub.ID, err)
		return
	}

	next := time.Now().UTC().Add(models.NextBackoff(1))
	row := &models.FailedAllocation{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodKey:      periodKey,
		RetryCount:     0,
		NextRetryAt:    &next,
		LastError:      cause.Error(),
		Status:         models.FailedAllocationStatusPending,
	}
	if err := a.repo.CreateFailedAllocation(ctx, row); err != nil {
		log.Errorf("[Allocator] could not record failed allocation for subscription %d period %s: %v", sub.ID, periodKey, err)
	}
}

func (a *Allocator) alertExhausted(ctx context.Context, row *models.FailedAllocation) {
	if a.alerts == nil {
		return
	}
	sub, err := a.repo.GetSubscriptionByID(ctx, row.SubscriptionID)
	if err != nil {
		log.Errorf("[Allocator] could not load subscription %d for alert: %v", row.SubscriptionID, err)
		return
	}
	if err := a.alerts.SendAllocationExhaustedAlert(sub, row.PeriodKey, row.LastError); err != nil {
		log.Errorf("[Allocator] could not send exhaustion alert for subscription %d: %v", row.SubscriptionID, err)
	}
}
