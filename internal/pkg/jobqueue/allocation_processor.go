package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/mail"
)

// newAllocator builds the credit allocator on the shared database handle
func newAllocator() (*credits.Allocator, error) {
	db := database.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	repo := credits.NewRepository(db)
	processor := credits.NewProcessor(repo)
	return credits.NewAllocator(repo, processor, mail.NewAllocationAlertNotifier()), nil
}

// processAllocationSweepJob scans tranche subscriptions missing the period's allocation and enqueues per-subscription jobs
func (q *Queue) processAllocationSweepJob(ctx context.Context, job *Job) error {
	payload, err := AllocationSweepJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid allocation sweep payload: %w", err)
	}
	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	now := time.Now().UTC()
	periodKey := payload.PeriodKey
	if periodKey == "" {
		periodKey = models.PeriodKeyFor(now)
	}

	repo := credits.NewRepository(db)
	subs, err := repo.ListDueTrancheSubscriptions(ctx, periodKey, now)
	if err != nil {
		return fmt.Errorf("failed to list due subscriptions for period %s: %w", periodKey, err)
	}
	if len(subs) == 0 {
		log.Infof("[AllocationSweep] No subscriptions due for period %s", periodKey)
	} else {
		// Enqueue per-subscription allocation jobs
		enqueued := 0
		for _, sub := range subs {
			p := SubscriptionAllocationJobPayload{SubscriptionID: sub.ID, PeriodKey: periodKey}
			if _, err := q.EnqueueJob(JobTypeSubscriptionAllocation, p.ToMap()); err != nil {
				log.Errorf("[AllocationSweep] Failed to enqueue allocation job for subscription %d: %v", sub.ID, err)
				continue
			}
			enqueued++
		}
		log.Infof("[AllocationSweep] Enqueued %d allocation jobs for period %s", enqueued, periodKey)
	}

	// A month skipped while no sweep ran leaves neither an allocation nor a
	// retry row, so every sweep also reconciles past periods.
	allocator, err := newAllocator()
	if err != nil {
		return err
	}
	healed, backfillsFailed, err := allocator.DetectDiscrepancies(ctx, now)
	if err != nil {
		return fmt.Errorf("discrepancy scan failed: %w", err)
	}
	if healed > 0 || backfillsFailed > 0 {
		log.Infof("[AllocationSweep] Discrepancy scan backfilled %d past allocations, %d failed", healed, backfillsFailed)
	}
	return nil
}

// processSubscriptionAllocationJob ensures one subscription's tranche for one period.
// The allocation is idempotent, so job retries and the failed-allocation
// backoff can both run without double granting.
func (q *Queue) processSubscriptionAllocationJob(ctx context.Context, job *Job) error {
	payload, err := SubscriptionAllocationJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid subscription allocation payload: %w", err)
	}
	if payload.SubscriptionID == 0 {
		return fmt.Errorf("subscription allocation payload has no subscription id")
	}

	periodKey := payload.PeriodKey
	if periodKey == "" {
		periodKey = models.PeriodKeyFor(time.Now().UTC())
	}

	allocator, err := newAllocator()
	if err != nil {
		return err
	}

	result, err := allocator.EnsureMonthlyAllocation(ctx, payload.SubscriptionID, periodKey)
	if err != nil {
		return fmt.Errorf("allocation failed for subscription %d period %s: %w", payload.SubscriptionID, periodKey, err)
	}

	if result.Allocated {
		log.Infof("[Allocation] Granted %d credits to subscription %d for period %s", result.Credits, payload.SubscriptionID, periodKey)
	} else {
		log.Infof("[Allocation] Subscription %d already allocated for period %s", payload.SubscriptionID, periodKey)
	}
	return nil
}

// EnqueueAllocationSweepJob creates and enqueues a sweep job. An empty
// periodKey means the processor resolves the current period itself.
func (q *Queue) EnqueueAllocationSweepJob(periodKey string) (*Job, error) {
	payload := AllocationSweepJobPayload{PeriodKey: periodKey}
	return q.EnqueueJob(JobTypeAllocationSweep, payload.ToMap())
}

// EnqueueSubscriptionAllocationJob creates and enqueues an allocation job for one subscription
func (q *Queue) EnqueueSubscriptionAllocationJob(subscriptionID uint, periodKey string) (*Job, error) {
	payload := SubscriptionAllocationJobPayload{SubscriptionID: subscriptionID, PeriodKey: periodKey}
	return q.EnqueueJob(JobTypeSubscriptionAllocation, payload.ToMap())
}

// RetryDueAllocations re-runs failed allocations whose backoff has elapsed
func (q *Queue) RetryDueAllocations() error {
	allocator, err := newAllocator()
	if err != nil {
		return err
	}

	resolved, err := allocator.RetryFailed(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to retry allocations: %w", err)
	}
	if resolved > 0 {
		log.Infof("[Allocation] Resolved %d failed allocations on retry", resolved)
	}
	return nil
}
