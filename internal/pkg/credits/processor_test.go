package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
)

func TestProcessRenewalGrantsFirstPeriod(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	evt := invoiceEvent(sub, pkg, "in_1001", periodStart, periodEnd)

	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(1000), result.CreditsGranted)
	assert.Equal(t, int64(0), result.CreditsRolledOver)
	assert.Equal(t, int64(1000), result.TotalActive)

	var balance models.CreditBalance
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&balance).Error)
	assert.Equal(t, models.BalanceSourceGrant, balance.Source)
	assert.Equal(t, int64(1000), balance.Amount)
	assert.Equal(t, int64(1000), balance.OriginalAmount)
	require.NotNil(t, balance.ExpiresAt)
	assert.True(t, balance.ExpiresAt.Equal(periodEnd.Add(60*24*time.Hour)), "grant expiry anchors at period end plus window")

	var transaction models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", user.ID, models.TransactionTypeGrant).First(&transaction).Error)
	assert.Equal(t, int64(1000), transaction.Amount)
	assert.Equal(t, int64(0), transaction.BalanceBefore)
	assert.Equal(t, int64(1000), transaction.BalanceAfter)
	assert.Equal(t, "in_1001", transaction.EventID)

	stored, err := repo.GetProcessedEvent(context.Background(), "in_1001")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.CreditsGranted)
	assert.Equal(t, int64(1000), stored.TotalActiveAfter)
	assert.Equal(t, sub.ID, stored.SubscriptionID)

	var updated models.Subscription
	require.NoError(t, db.First(&updated, sub.ID).Error)
	require.NotNil(t, updated.CurrentPeriodStart)
	require.NotNil(t, updated.CurrentPeriodEnd)
	assert.True(t, updated.CurrentPeriodStart.Equal(periodStart))
	assert.True(t, updated.CurrentPeriodEnd.Equal(periodEnd))
}

func TestProcessRenewalIsIdempotent(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := invoiceEvent(sub, pkg, "in_2001", periodStart, periodStart.AddDate(0, 1, 0))

	first, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, first.Applied)

	balancesAfterFirst := countRows(t, db, &models.CreditBalance{}, "user_id = ?", user.ID)
	transactionsAfterFirst := countRows(t, db, &models.CreditTransaction{}, "user_id = ?", user.ID)

	second, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CreditsGranted, second.CreditsGranted)
	assert.Equal(t, first.TotalActive, second.TotalActive)

	assert.Equal(t, balancesAfterFirst, countRows(t, db, &models.CreditBalance{}, "user_id = ?", user.ID))
	assert.Equal(t, transactionsAfterFirst, countRows(t, db, &models.CreditTransaction{}, "user_id = ?", user.ID))
	assert.Equal(t, int64(1), countRows(t, db, &models.ProcessedBillingEvent{}, "event_id = ?", "in_2001"))
}

func TestProcessRenewalRollsOverRemainder(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	monthOne := BillingEvent{
		EventID:                models.AllocationEventID(sub.ID, "2025-01"),
		Provider:               ProviderInternal,
		EventType:              "allocation.monthly",
		Kind:                   EventKindAllocation,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PackageSlug:            pkg.Slug,
		SubscriptionID:         sub.ID,
		PeriodKey:              "2025-01",
		OccurredAt:             time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	first, err := processor.ProcessRenewal(context.Background(), monthOne)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), first.CreditsGranted)

	// The subscriber spends 2200 credits during January.
	require.NoError(t, db.Model(&models.CreditBalance{}).
		Where("user_id = ? AND status = ?", user.ID, models.BalanceStatusActive).
		Update("amount", 300).Error)

	monthTwo := monthOne
	monthTwo.EventID = models.AllocationEventID(sub.ID, "2025-02")
	monthTwo.PeriodKey = "2025-02"
	monthTwo.OccurredAt = time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)

	second, err := processor.ProcessRenewal(context.Background(), monthTwo)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), second.CreditsGranted)
	assert.Equal(t, int64(300), second.CreditsRolledOver)
	assert.Equal(t, int64(2800), second.TotalActive)
	assert.Equal(t, 1, second.BalancesRolled)

	assert.Equal(t, int64(2), countRows(t, db, &models.CreditBalance{}, "user_id = ? AND status = ?", user.ID, models.BalanceStatusActive))
	assert.Equal(t, int64(1), countRows(t, db, &models.CreditBalance{}, "user_id = ? AND status = ?", user.ID, models.BalanceStatusRolledOver))

	var outTx models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", user.ID, models.TransactionTypeRolloverOut).First(&outTx).Error)
	assert.Equal(t, int64(300), outTx.Amount)
	assert.Equal(t, int64(300), outTx.BalanceBefore)
	assert.Equal(t, int64(0), outTx.BalanceAfter)

	var inTx models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", user.ID, models.TransactionTypeRolloverIn).First(&inTx).Error)
	assert.Equal(t, int64(300), inTx.Amount)
	assert.Equal(t, int64(0), inTx.BalanceBefore)
	assert.Equal(t, int64(300), inTx.BalanceAfter)

	var grantTx models.CreditTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ? AND event_id = ?", user.ID, models.TransactionTypeGrant, monthTwo.EventID).First(&grantTx).Error)
	assert.Equal(t, int64(2500), grantTx.Amount)
	assert.Equal(t, int64(300), grantTx.BalanceBefore)
	assert.Equal(t, int64(2800), grantTx.BalanceAfter)

	// Rolled credits get a fresh window measured from renewal time.
	var rolled models.CreditBalance
	require.NoError(t, db.Where("user_id = ? AND source = ? AND status = ?", user.ID, models.BalanceSourceRollover, models.BalanceStatusActive).First(&rolled).Error)
	require.NotNil(t, rolled.ExpiresAt)
	assert.True(t, rolled.ExpiresAt.Equal(monthTwo.OccurredAt.Add(60*24*time.Hour)))
}

func TestProcessRenewalExcludesExpired(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	renewalAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	expiredAt := renewalAt.Add(-24 * time.Hour)
	stale := &models.CreditBalance{
		UserID:         user.ID,
		PackageID:      pkg.ID,
		Source:         models.BalanceSourceGrant,
		Amount:         150,
		OriginalAmount: 1000,
		GrantedAt:      renewalAt.AddDate(0, -3, 0),
		ExpiresAt:      &expiredAt,
		Status:         models.BalanceStatusActive,
	}
	require.NoError(t, db.Create(stale).Error)

	evt := invoiceEvent(sub, pkg, "in_3001", renewalAt, renewalAt.AddDate(0, 1, 0))
	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.CreditsRolledOver, "expired remainder contributes nothing")
	assert.Equal(t, int64(1000), result.TotalActive)
	assert.Equal(t, 1, result.BalancesExpired)

	var closed models.CreditBalance
	require.NoError(t, db.First(&closed, stale.ID).Error)
	assert.Equal(t, models.BalanceStatusExpired, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	// Expiration is a state change only: no transaction row references it.
	assert.Equal(t, int64(0), countRows(t, db, &models.CreditTransaction{}, "balance_id = ?", stale.ID))
}

func TestProcessRenewalExcludesDepleted(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	renewalAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	future := renewalAt.AddDate(0, 2, 0)
	depleted := &models.CreditBalance{
		UserID:         user.ID,
		PackageID:      pkg.ID,
		Source:         models.BalanceSourceGrant,
		Amount:         0,
		OriginalAmount: 1000,
		GrantedAt:      renewalAt.AddDate(0, -1, 0),
		ExpiresAt:      &future,
		Status:         models.BalanceStatusActive,
	}
	require.NoError(t, db.Create(depleted).Error)

	evt := invoiceEvent(sub, pkg, "in_4001", renewalAt, renewalAt.AddDate(0, 1, 0))
	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.CreditsRolledOver, "nothing to carry from a depleted balance")
	assert.Equal(t, 0, result.BalancesRolled)

	var closed models.CreditBalance
	require.NoError(t, db.First(&closed, depleted.ID).Error)
	assert.Equal(t, models.BalanceStatusConsumed, closed.Status)
}

func TestProcessRenewalUnknownPackageLeavesEventUnclaimed(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := invoiceEvent(sub, pkg, "in_5001", periodStart, periodStart.AddDate(0, 1, 0))
	evt.PackageSlug = "does-not-exist"

	_, err := processor.ProcessRenewal(context.Background(), evt)
	require.ErrorIs(t, err, ErrUnknownPackage)

	assert.Equal(t, int64(0), countRows(t, db, &models.ProcessedBillingEvent{}, "event_id = ?", "in_5001"),
		"unknown package must leave the event unclaimed")

	// After the configuration is fixed the same event id goes through.
	evt.PackageSlug = pkg.Slug
	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, result.Applied)
}

func TestProcessRenewalInactivePackageRejected(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db, func(p *models.CreditPackage) { p.IsActive = false })
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := invoiceEvent(sub, pkg, "in_5002", periodStart, periodStart.AddDate(0, 1, 0))

	_, err := processor.ProcessRenewal(context.Background(), evt)
	require.ErrorIs(t, err, ErrUnknownPackage)
}

func TestProcessRenewalClaimReleasedOnFailure(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)

	flaky := &flakyRepository{Repository: repo, failFinalize: true}
	failing := NewProcessor(flaky)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := invoiceEvent(sub, pkg, "in_6001", periodStart, periodStart.AddDate(0, 1, 0))

	_, err := failing.ProcessRenewal(context.Background(), evt)
	require.Error(t, err)

	// The rollback releases the claim and every ledger write with it.
	assert.Equal(t, int64(0), countRows(t, db, &models.ProcessedBillingEvent{}, "event_id = ?", "in_6001"))
	assert.Equal(t, int64(0), countRows(t, db, &models.CreditBalance{}, "user_id = ?", user.ID))
	assert.Equal(t, int64(0), countRows(t, db, &models.CreditTransaction{}, "user_id = ?", user.ID))

	// A retry with the same event id succeeds once the failure is gone.
	result, err := NewProcessor(repo).ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(1000), result.TotalActive)
}

func TestProcessRenewalConservation(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	renewalAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	future := renewalAt.AddDate(0, 1, 0)
	remainders := []int64{320, 45, 1200}
	for i, amount := range remainders {
		b := &models.CreditBalance{
			UserID:         user.ID,
			PackageID:      pkg.ID,
			Source:         models.BalanceSourceGrant,
			Amount:         amount,
			OriginalAmount: amount,
			GrantedAt:      renewalAt.AddDate(0, -1, -i),
			ExpiresAt:      &future,
			Status:         models.BalanceStatusActive,
		}
		require.NoError(t, db.Create(b).Error)
	}

	evt := invoiceEvent(sub, pkg, "in_7001", renewalAt, renewalAt.AddDate(0, 1, 0))
	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, int64(1565), result.CreditsRolledOver)
	assert.Equal(t, int64(1565+1000), result.TotalActive)

	var rolledInSum int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ?", user.ID, models.TransactionTypeRolloverIn).
		Select("COALESCE(SUM(amount), 0)").Scan(&rolledInSum).Error)
	assert.Equal(t, int64(1565), rolledInSum, "rollover conserves every eligible credit")

	var rolledOutSum int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ?", user.ID, models.TransactionTypeRolloverOut).
		Select("COALESCE(SUM(amount), 0)").Scan(&rolledOutSum).Error)
	assert.Equal(t, rolledInSum, rolledOutSum)
}

func TestProcessRenewalAccumulation(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var last *RenewalResult
	for i := 0; i < 3; i++ {
		periodStart := start.AddDate(0, i, 0)
		evt := invoiceEvent(sub, pkg, "in_80"+string(rune('0'+i)), periodStart, periodStart.AddDate(0, 1, 0))
		result, err := processor.ProcessRenewal(context.Background(), evt)
		require.NoError(t, err)
		require.True(t, result.Applied)
		last = result
	}

	// Window is 60 days, periods are one month: every prior grant survives
	// each rollover, so three renewals accumulate three full grants.
	assert.Equal(t, int64(3000), last.TotalActive)
	assert.Equal(t, int64(3), countRows(t, db, &models.CreditTransaction{}, "user_id = ? AND type = ?", user.ID, models.TransactionTypeGrant))
}

func TestProcessRenewalRecordsTrancheAllocationOnInvoice(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	evt := invoiceEvent(sub, pkg, "in_9001", periodStart, periodStart.AddDate(1, 0, 0))

	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)

	// The opening invoice releases the first monthly tranche, not the full
	// yearly volume.
	assert.Equal(t, int64(2500), result.CreditsGranted)

	allocation, err := repo.GetMonthlyAllocation(context.Background(), sub.ID, "2025-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), allocation.CreditsAllocated)
	assert.Equal(t, "in_9001", allocation.EventID)
	assert.NotEmpty(t, allocation.TransactionID)
	require.NotNil(t, allocation.BalanceID)

	// The sweep for the opening month finds nothing left to do.
	subs, err := repo.ListDueTrancheSubscriptions(context.Background(), "2025-03", periodStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestProcessRenewalNonExpiringPackage(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db, func(p *models.CreditPackage) { p.RolloverWindowDays = 0 })
	sub := seedSubscription(t, db, user, pkg)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	first := invoiceEvent(sub, pkg, "in_a001", periodStart, periodStart.AddDate(0, 1, 0))
	_, err := processor.ProcessRenewal(context.Background(), first)
	require.NoError(t, err)

	var balance models.CreditBalance
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&balance).Error)
	assert.Nil(t, balance.ExpiresAt, "windowless packages grant non-expiring credits")

	nextStart := periodStart.AddDate(0, 1, 0)
	second := invoiceEvent(sub, pkg, "in_a002", nextStart, nextStart.AddDate(0, 1, 0))
	result, err := processor.ProcessRenewal(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.CreditsRolledOver)

	var rolled models.CreditBalance
	require.NoError(t, db.Where("user_id = ? AND source = ? AND status = ?", user.ID, models.BalanceSourceRollover, models.BalanceStatusActive).First(&rolled).Error)
	assert.Nil(t, rolled.ExpiresAt, "non-expiring credits stay non-expiring after rollover")
}

func TestProcessRenewalUnknownSubscriptionWithoutUser(t *testing.T) {
	repo, db := newTestRepository(t)
	pkg := seedPackage(t, db)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := BillingEvent{
		EventID:                "in_b001",
		Provider:               models.BillingProviderStripe,
		EventType:              "invoice.payment_succeeded",
		Kind:                   EventKindInvoice,
		ProviderSubscriptionID: "sub_never_seen",
		PackageSlug:            pkg.Slug,
		PeriodStart:            &periodStart,
		OccurredAt:             periodStart,
	}

	_, err := processor.ProcessRenewal(context.Background(), evt)
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestProcessRenewalCreatesSubscriptionOnFirstContact(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedTranchePackage(t, db)
	processor := NewProcessor(repo)

	periodStart := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	evt := BillingEvent{
		EventID:                "in_c001",
		Provider:               models.BillingProviderStripe,
		EventType:              "invoice.payment_succeeded",
		Kind:                   EventKindInvoice,
		ProviderSubscriptionID: "sub_fresh",
		PackageSlug:            pkg.Slug,
		UserID:                 user.ID,
		PeriodStart:            &periodStart,
		OccurredAt:             periodStart,
	}

	result, err := processor.ProcessRenewal(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, result.Applied)

	var sub models.Subscription
	require.NoError(t, db.Where("provider = ? AND provider_subscription_id = ?", models.BillingProviderStripe, "sub_fresh").First(&sub).Error)
	assert.Equal(t, user.ID, sub.UserID)
	assert.Equal(t, pkg.ID, sub.PackageID)
	assert.Equal(t, models.AllocationCycleMonthly, sub.AllocationCycle)
	assert.Equal(t, models.BillingIntervalYear, sub.BillingInterval)

	err = db.Where("user_id = ?", user.ID).First(&models.CreditBalance{}).Error
	require.NoError(t, err)
}

func TestProcessRenewalRejectsInvalidEvent(t *testing.T) {
	repo, _ := newTestRepository(t)
	processor := NewProcessor(repo)

	_, err := processor.ProcessRenewal(context.Background(), BillingEvent{})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = processor.ProcessRenewal(context.Background(), BillingEvent{
		EventID:                "x",
		Provider:               "someone-else",
		EventType:              "t",
		Kind:                   EventKindInvoice,
		ProviderSubscriptionID: "s",
		PackageSlug:            "p",
	})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestLedgerTransitionConflicts(t *testing.T) {
	repo, db := newTestRepository(t)
	user := seedUser(t, db)
	pkg := seedPackage(t, db)
	ledger := NewLedger(repo)
	now := time.Now().UTC()

	balance, _, err := ledger.ApplyGrant(context.Background(), GrantInput{
		UserID:    user.ID,
		PackageID: pkg.ID,
		Amount:    500,
		GrantedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, ledger.MarkExpired(context.Background(), balance.ID, now))
	// Repeating the same transition is a no-op.
	require.NoError(t, ledger.MarkExpired(context.Background(), balance.ID, now))
	// A different closed state is a defect.
	err = ledger.MarkRolledOver(context.Background(), balance.ID, now)
	require.ErrorIs(t, err, ErrConflict)

	_, err = repo.GetBalance(context.Background(), 999999)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
