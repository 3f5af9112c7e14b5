package credits

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// recordingNotifier captures exhaustion alerts instead of sending mail.
type recordingNotifier struct {
	alerts []string
}

func (n *recordingNotifier) SendAllocationExhaustedAlert(sub *models.Subscription, periodKey, lastError string) error {
	n.alerts = append(n.alerts, fmt.Sprintf("%d/%s", sub.ID, periodKey))
	return nil
}

func newTestAllocator(t *testing.T) (*Allocator, Repository, *gorm.DB, *recordingNotifier) {
	t.Helper()

	repo, db := newTestRepository(t)
	notifier := &recordingNotifier{}
	return NewAllocator(repo, NewProcessor(repo), notifier), repo, db, notifier
}

// newFailingAllocator builds an allocator whose renewal transaction always
// rolls back, so failure recording and the retry path can be observed.
func newFailingAllocator(t *testing.T, notifier *recordingNotifier) (*Allocator, *flakyRepository, *gorm.DB) {
	t.Helper()

	repo, db := newTestRepository(t)
	flaky := &flakyRepository{Repository: repo, failFinalize: true}
	return NewAllocator(flaky, NewProcessor(flaky), notifier), flaky, db
}

func TestEnsureMonthlyAllocationGrantsOncePerPeriod(t *testing.T) {
	allocator, repo, db, _ := newTestAllocator(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	first, err := allocator.EnsureMonthlyAllocation(ctx, sub.ID, "2025-07")
	require.NoError(t, err)
	assert.True(t, first.Allocated)
	assert.EqualValues(t, 2500, first.Credits)

	// The second trigger for the same period must not grant again.
	second, err := allocator.EnsureMonthlyAllocation(ctx, sub.ID, "2025-07")
	require.NoError(t, err)
	assert.False(t, second.Allocated)
	assert.EqualValues(t, 2500, second.Credits)

	assert.EqualValues(t, 1, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ? AND period_key = ?", sub.ID, "2025-07"))
	assert.EqualValues(t, 1, countRows(t, db, &models.CreditBalance{}, "user_id = ?", user.ID))

	total, err := repo.TotalActive(ctx, user.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 2500, total)
}

func TestEnsureMonthlyAllocationRollsRemainderIntoNextPeriod(t *testing.T) {
	allocator, repo, db, _ := newTestAllocator(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	_, err := allocator.EnsureMonthlyAllocation(ctx, sub.ID, "2025-07")
	require.NoError(t, err)

	// Spend most of the tranche, leaving an unexpired remainder.
	err = db.Model(&models.CreditBalance{}).
		Where("user_id = ? AND status = ?", user.ID, models.BalanceStatusActive).
		Update("amount", 300).Error
	require.NoError(t, err)

	result, err := allocator.EnsureMonthlyAllocation(ctx, sub.ID, "2025-08")
	require.NoError(t, err)
	require.NotNil(t, result.Renewal)
	assert.True(t, result.Allocated)
	assert.EqualValues(t, 2500, result.Renewal.CreditsGranted)
	assert.EqualValues(t, 300, result.Renewal.CreditsRolledOver)
	assert.EqualValues(t, 2800, result.Renewal.TotalActive)

	total, err := repo.TotalActive(ctx, user.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 2800, total)
}

func TestEnsureMonthlyAllocationRejectsUpfrontSubscription(t *testing.T) {
	allocator, _, db, _ := newTestAllocator(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)

	_, err := allocator.EnsureMonthlyAllocation(context.Background(), sub.ID, "2025-07")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	// Rejected before the processor ran: nothing granted, nothing to retry.
	assert.EqualValues(t, 0, countRows(t, db, &models.CreditBalance{}, ""))
	assert.EqualValues(t, 0, countRows(t, db, &models.FailedAllocation{}, ""))
}

func TestAllocateDueSweepsOnlyUnallocatedSubscriptions(t *testing.T) {
	allocator, _, db, _ := newTestAllocator(t)
	pkg := seedTranchePackage(t, db)
	subA := seedSubscription(t, db, seedUser(t, db), pkg)
	subB := seedSubscription(t, db, seedUser(t, db), pkg)
	ctx := context.Background()

	now := time.Now().UTC()
	periodKey := models.PeriodKeyFor(now)

	_, err := allocator.EnsureMonthlyAllocation(ctx, subA.ID, periodKey)
	require.NoError(t, err)

	allocated, failed, err := allocator.AllocateDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, allocated)
	assert.Equal(t, 0, failed)

	assert.EqualValues(t, 1, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ?", subA.ID))
	assert.EqualValues(t, 1, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ?", subB.ID))

	// A second sweep in the same period finds nothing to do.
	allocated, failed, err = allocator.AllocateDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, allocated)
	assert.Equal(t, 0, failed)
}

func TestAllocateDueRecordsFailureForRetry(t *testing.T) {
	allocator, flaky, db := newFailingAllocator(t, nil)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Now().UTC()
	periodKey := models.PeriodKeyFor(now)

	allocated, failed, err := allocator.AllocateDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, allocated)
	assert.Equal(t, 1, failed)

	// The rollback released the claim and the grant.
	assert.EqualValues(t, 0, countRows(t, db, &models.MonthlyAllocation{}, ""))
	assert.EqualValues(t, 0, countRows(t, db, &models.CreditBalance{}, ""))

	// The retry row was written outside the transaction and survived.
	row, err := flaky.FindPendingFailedAllocation(ctx, sub.ID, periodKey)
	require.NoError(t, err)
	assert.Equal(t, 0, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, now.Add(models.NextBackoff(1)), *row.NextRetryAt, 5*time.Second)
	assert.Contains(t, row.LastError, "injected finalize failure")

	// A second failing sweep does not stack a second retry row.
	_, failed, err = allocator.AllocateDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.EqualValues(t, 1, countRows(t, db, &models.FailedAllocation{}, "subscription_id = ?", sub.ID))
}

func TestRetryFailedResolvesOnceTheCauseIsGone(t *testing.T) {
	allocator, flaky, db := newFailingAllocator(t, nil)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Now().UTC()
	periodKey := models.PeriodKeyFor(now)
	_, _, err := allocator.AllocateDue(ctx, now)
	require.NoError(t, err)

	flaky.failFinalize = false
	resolved, err := allocator.RetryFailed(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	assert.EqualValues(t, 1, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ? AND period_key = ?", sub.ID, periodKey))

	var row models.FailedAllocation
	require.NoError(t, db.Where("subscription_id = ?", sub.ID).First(&row).Error)
	assert.Equal(t, models.FailedAllocationStatusResolved, row.Status)
	assert.Contains(t, row.ResolutionNotes, "allocated 2500 credits")
}

func TestRetryFailedReschedulesWithBackoff(t *testing.T) {
	allocator, _, db := newFailingAllocator(t, nil)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Now().UTC()
	_, _, err := allocator.AllocateDue(ctx, now)
	require.NoError(t, err)

	retryAt := now.Add(2 * time.Hour)
	resolved, err := allocator.RetryFailed(ctx, retryAt)
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	var row models.FailedAllocation
	require.NoError(t, db.Where("subscription_id = ?", sub.ID).First(&row).Error)
	assert.Equal(t, models.FailedAllocationStatusPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, retryAt.Add(models.NextBackoff(2)), *row.NextRetryAt, time.Second)
}

func TestRetryFailedExhaustsAndAlerts(t *testing.T) {
	notifier := &recordingNotifier{}
	allocator, _, db := newFailingAllocator(t, notifier)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Now().UTC()
	periodKey := models.PeriodKeyFor(now)
	_, _, err := allocator.AllocateDue(ctx, now)
	require.NoError(t, err)

	// Fast-forward to the last permitted retry.
	err = db.Model(&models.FailedAllocation{}).
		Where("subscription_id = ?", sub.ID).
		Update("retry_count", models.MaxAllocationRetries-1).Error
	require.NoError(t, err)

	resolved, err := allocator.RetryFailed(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)

	var row models.FailedAllocation
	require.NoError(t, db.Where("subscription_id = ?", sub.ID).First(&row).Error)
	assert.Equal(t, models.FailedAllocationStatusExhausted, row.Status)
	assert.Equal(t, models.MaxAllocationRetries, row.RetryCount)
	assert.Nil(t, row.NextRetryAt)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, fmt.Sprintf("%d/%s", sub.ID, periodKey), notifier.alerts[0])

	// Exhausted rows are no longer picked up.
	resolved, err = allocator.RetryFailed(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)
	require.Len(t, notifier.alerts, 1)
}

func TestDetectDiscrepanciesBackfillsMissedMonths(t *testing.T) {
	allocator, _, db, _ := newTestAllocator(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	start := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("current_period_start", start).Error)

	// May was allocated; April and June were missed entirely.
	_, err := allocator.EnsureMonthlyAllocation(ctx, sub.ID, "2025-05")
	require.NoError(t, err)

	healed, failed, err := allocator.DetectDiscrepancies(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, healed)
	assert.Equal(t, 0, failed)

	for _, key := range []string{"2025-04", "2025-05", "2025-06"} {
		assert.EqualValues(t, 1, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ? AND period_key = ?", sub.ID, key), key)
	}
	// The current month belongs to the sweep, not the scan.
	assert.EqualValues(t, 0, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ? AND period_key = ?", sub.ID, "2025-07"))

	healed, failed, err = allocator.DetectDiscrepancies(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	assert.Equal(t, 0, failed)
}

func TestDetectDiscrepanciesLeavesTrackedFailuresAlone(t *testing.T) {
	allocator, repo, db, _ := newTestAllocator(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	ctx := context.Background()

	now := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("current_period_start", start).Error)

	require.NoError(t, repo.CreateFailedAllocation(ctx, &models.FailedAllocation{
		SubscriptionID: sub.ID,
		UserID:         user.ID,
		PeriodKey:      "2025-06",
		RetryCount:     models.MaxAllocationRetries,
		LastError:      "smtp unreachable",
		Status:         models.FailedAllocationStatusExhausted,
	}))

	healed, failed, err := allocator.DetectDiscrepancies(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	assert.Equal(t, 0, failed)

	assert.EqualValues(t, 0, countRows(t, db, &models.MonthlyAllocation{}, "subscription_id = ?", sub.ID))
	assert.EqualValues(t, 1, countRows(t, db, &models.FailedAllocation{}, "subscription_id = ?", sub.ID))
}

func TestMissedPeriodKeys(t *testing.T) {
	now := time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)
	start := time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sub  models.Subscription
		want []string
	}{
		{
			name: "walks from the period start",
			sub:  models.Subscription{CurrentPeriodStart: &start},
			want: []string{"2025-04", "2025-05", "2025-06"},
		},
		{
			name: "falls back to the creation time",
			sub:  models.Subscription{CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
			want: []string{"2025-06"},
		},
		{
			name: "current month is never missed",
			sub:  models.Subscription{CreatedAt: now},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, missedPeriodKeys(&tt.sub, now))
		})
	}

	old := now.AddDate(-2, 0, 0)
	sub := models.Subscription{CurrentPeriodStart: &old}
	assert.Len(t, missedPeriodKeys(&sub, now), discrepancyLookbackMonths)
}
