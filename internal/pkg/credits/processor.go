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

// Bounded retry for transient storage contention. Retrying with the same
// event id is safe: the claim serializes duplicate applications.
const (
	maxRenewalAttempts = 3
	renewalRetryDelay  = 100 * time.Millisecond
)

// Processor orchestrates one renewal: claim the event, partition the user's
// balances, roll eligible remainders forward, grant the new period, and
// finalize the outcome, all inside a single transaction.
type Processor struct {
	repo Repository
}

// NewProcessor creates a renewal processor over the given repository.
func NewProcessor(repo Repository) *Processor {
	return &Processor{repo: repo}
}

// ProcessRenewal applies one billing event at most once. Package and
// subscription resolution happen before the claim: an unknown package leaves
// the event unclaimed so it can be retried after the configuration is fixed.
// Any failure after the claim rolls the whole transaction back, claim
// included.
func (p *Processor) ProcessRenewal(ctx context.Context, evt BillingEvent) (*RenewalResult, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	now := evt.EffectiveAt()

	pkg, err := p.resolvePackage(ctx, evt.PackageSlug)
	if err != nil {
		return nil, err
	}
	sub, err := p.resolveSubscription(ctx, &evt, pkg)
	if err != nil {
		return nil, err
	}

	var result *RenewalResult
	for attempt := 1; ; attempt++ {
		result = nil
		err = p.repo.WithinTransaction(ctx, func(txRepo Repository) error {
			return p.renew(ctx, txRepo, evt, pkg, sub, now, &result)
		})
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) || attempt >= maxRenewalAttempts {
			return nil, err
		}
		log.Warnf("[Credits] transient storage error for event %s (attempt %d/%d): %v", evt.EventID, attempt, maxRenewalAttempts, err)
		time.Sleep(time.Duration(attempt) * renewalRetryDelay)
	}
}

func (p *Processor) renew(ctx context.Context, txRepo Repository, evt BillingEvent, pkg *models.CreditPackage, sub *models.Subscription, now time.Time, result **RenewalResult) error {
	claimed, err := txRepo.ClaimEvent(ctx, &models.ProcessedBillingEvent{
		EventID:        evt.EventID,
		Provider:       evt.Provider,
		EventType:      evt.EventType,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodStart:    evt.PeriodStart,
		PeriodEnd:      evt.PeriodEnd,
	})
	if err != nil {
		return err
	}
	if !claimed {
		*result = p.duplicateResult(ctx, txRepo, evt, sub)
		return nil
	}

	ledger := NewLedger(txRepo)
	balances, err := txRepo.ActiveBalances(ctx, sub.UserID)
	if err != nil {
		return err
	}
	part := PartitionBalances(now, balances)

	// Expiration is a state change, not a financial event: no transaction
	// row is written for it.
	for _, b := range part.Expired {
		if err := ledger.MarkExpired(ctx, b.ID, now); err != nil {
			return err
		}
	}
	for _, b := range part.Depleted {
		if err := ledger.MarkConsumed(ctx, b.ID, now); err != nil {
			return err
		}
	}

	window := pkg.RolloverWindow()
	var rolledOver int64
	for i := range part.Eligible {
		b := &part.Eligible[i]
		expiry := RolloverExpiry(now, b.ExpiresAt, window)
		if _, err := ledger.RollOver(ctx, b, expiry, &sub.ID, evt.EventID, now); err != nil {
			return err
		}
		rolledOver += b.Amount
	}

	grantAmount := p.grantAmount(evt.Kind, pkg, sub)
	var granted int64
	var grantBalance *models.CreditBalance
	var grantTx *models.CreditTransaction
	if grantAmount > 0 {
		grantBalance, grantTx, err = ledger.ApplyGrant(ctx, GrantInput{
			UserID:         sub.UserID,
			PackageID:      pkg.ID,
			SubscriptionID: &sub.ID,
			Source:         models.BalanceSourceGrant,
			Amount:         grantAmount,
			GrantedAt:      now,
			ExpiresAt:      GrantExpiry(p.grantAnchor(evt, now), window),
			EventID:        evt.EventID,
			Description:    grantDescription(evt),
		})
		if err != nil {
			return err
		}
		granted = grantAmount
	}

	if err := p.updateSubscription(ctx, txRepo, evt, sub, now); err != nil {
		return err
	}

	if sub.UsesMonthlyTranches() {
		allocation := &models.MonthlyAllocation{
			SubscriptionID:   sub.ID,
			PeriodKey:        p.periodKey(evt, now),
			UserID:           sub.UserID,
			EventID:          evt.EventID,
			CreditsAllocated: granted,
			Status:           models.AllocationStatusCompleted,
		}
		if grantTx != nil {
			allocation.TransactionID = grantTx.TransactionID
		}
		if grantBalance != nil {
			allocation.BalanceID = &grantBalance.ID
		}
		if err := txRepo.CreateMonthlyAllocation(ctx, allocation); err != nil {
			return err
		}
	}

	total, err := ledger.TotalActive(ctx, sub.UserID, now)
	if err != nil {
		return err
	}
	if err := txRepo.FinalizeEvent(ctx, evt.EventID, granted, rolledOver, total); err != nil {
		return err
	}

	*result = &RenewalResult{
		Applied:           true,
		EventID:           evt.EventID,
		SubscriptionID:    sub.ID,
		UserID:            sub.UserID,
		CreditsGranted:    granted,
		CreditsRolledOver: rolledOver,
		TotalActive:       total,
		BalancesExpired:   len(part.Expired),
		BalancesRolled:    len(part.Eligible),
	}
	return nil
}

// duplicateResult reproduces the original outcome for a re-delivered event so
// the caller can answer consistently.
func (p *Processor) duplicateResult(ctx context.Context, txRepo Repository, evt BillingEvent, sub *models.Subscription) *RenewalResult {
	result := &RenewalResult{
		Duplicate:      true,
		EventID:        evt.EventID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
	}
	stored, err := txRepo.GetProcessedEvent(ctx, evt.EventID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Credits] could not load outcome of duplicate event %s: %v", evt.EventID, err)
		}
		return result
	}
	result.CreditsGranted = stored.CreditsGranted
	result.CreditsRolledOver = stored.CreditsRolledOver
	result.TotalActive = stored.TotalActiveAfter
	return result
}

func (p *Processor) resolvePackage(ctx context.Context, slug string) (*models.CreditPackage, error) {
	pkg, err := p.repo.GetPackageBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, slug)
		}
		return nil, err
	}
	if !pkg.IsActive {
		return nil, fmt.Errorf("%w: %s is inactive", ErrUnknownPackage, slug)
	}
	return pkg, nil
}

// resolveSubscription finds the subscription the event belongs to, creating
// it from the event and package configuration on first contact. Creation is
// an upsert and happens before the claim; it never mutates the ledger.
func (p *Processor) resolveSubscription(ctx context.Context, evt *BillingEvent, pkg *models.CreditPackage) (*models.Subscription, error) {
	if evt.SubscriptionID != 0 {
		return p.repo.GetSubscriptionByID(ctx, evt.SubscriptionID)
	}

	sub, err := p.repo.GetSubscriptionByProviderRef(ctx, evt.Provider, evt.ProviderSubscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if evt.UserID == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSubscription, evt.Provider, evt.ProviderSubscriptionID)
	}

	cycle := models.AllocationCycleUpfront
	if pkg.BillingInterval == models.BillingIntervalYear && pkg.MonthlyTranche {
		cycle = models.AllocationCycleMonthly
	}
	sub = &models.Subscription{
		UserID:                 evt.UserID,
		PackageID:              pkg.ID,
		PackageSlug:            pkg.Slug,
		Provider:               evt.Provider,
		ProviderSubscriptionID: evt.ProviderSubscriptionID,
		Status:                 models.SubscriptionStatusActive,
		BillingInterval:        pkg.BillingInterval,
		CurrentPeriodStart:     evt.PeriodStart,
		CurrentPeriodEnd:       evt.PeriodEnd,
		CreditsPerPeriod:       pkg.Credits,
		AllocationCycle:        cycle,
	}
	if err := p.repo.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// grantAmount resolves how many credits this event grants. Tranche
// subscriptions receive the monthly amount on every event, including the
// invoice that opens the yearly period.
func (p *Processor) grantAmount(kind string, pkg *models.CreditPackage, sub *models.Subscription) int64 {
	if kind == EventKindAllocation || sub.UsesMonthlyTranches() {
		return pkg.TrancheCredits()
	}
	return pkg.Credits
}

// grantAnchor returns the instant grant expiry is measured from: period end
// for invoices, allocation time for tranches.
func (p *Processor) grantAnchor(evt BillingEvent, now time.Time) time.Time {
	if evt.Kind == EventKindInvoice && evt.PeriodEnd != nil {
		return evt.PeriodEnd.UTC()
	}
	return now
}

func (p *Processor) periodKey(evt BillingEvent, now time.Time) string {
	if evt.PeriodKey != "" {
		return evt.PeriodKey
	}
	if evt.PeriodStart != nil {
		return models.PeriodKeyFor(*evt.PeriodStart)
	}
	return models.PeriodKeyFor(now)
}

func (p *Processor) updateSubscription(ctx context.Context, txRepo Repository, evt BillingEvent, sub *models.Subscription, now time.Time) error {
	updates := map[string]interface{}{}
	if evt.Kind == EventKindInvoice {
		updates["status"] = models.SubscriptionStatusActive
		if evt.PeriodStart != nil {
			updates["current_period_start"] = evt.PeriodStart
		}
		if evt.PeriodEnd != nil {
			updates["current_period_end"] = evt.PeriodEnd
		}
	}
	if sub.UsesMonthlyTranches() {
		updates["last_allocation_at"] = now
		updates["next_allocation_at"] = startOfNextMonth(now)
	}
	if len(updates) == 0 {
		return nil
	}
	return txRepo.UpdateSubscription(ctx, sub.ID, updates)
}

func grantDescription(evt BillingEvent) string {
	if evt.Kind == EventKindAllocation {
		return fmt.Sprintf("monthly credit tranche %s", evt.PeriodKey)
	}
	return "credit grant for new billing period"
}

func startOfNextMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
