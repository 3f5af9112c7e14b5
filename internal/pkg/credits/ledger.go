package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// Ledger owns every credit mutation: grants, rollovers, expirations and
// debits, each paired with its audit transaction. When built on a
// transaction-scoped repository all writes share that transaction.
type Ledger struct {
	repo Repository
}

// NewLedger creates a ledger over the given repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// CurrentBalances returns the user's spendable balances in FEFO order:
// open, unexpired, with remaining credit.
func (l *Ledger) CurrentBalances(ctx context.Context, userID uint, now time.Time) ([]models.CreditBalance, error) {
	balances, err := l.repo.ActiveBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	return PartitionBalances(now, balances).Eligible, nil
}

// TotalActive returns the user's aggregate spendable credit.
func (l *Ledger) TotalActive(ctx context.Context, userID uint, now time.Time) (int64, error) {
	return l.repo.TotalActive(ctx, userID, now)
}

// Summary aggregates the user's credit position for the query API.
func (l *Ledger) Summary(ctx context.Context, userID uint, now time.Time) (*BalanceSummary, error) {
	balances, err := l.CurrentBalances(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	var totalActive int64
	for _, b := range balances {
		totalActive += b.Amount
	}

	earnedGrant, err := l.repo.SumTransactions(ctx, userID, models.TransactionTypeGrant)
	if err != nil {
		return nil, err
	}
	earnedRollover, err := l.repo.SumTransactions(ctx, userID, models.TransactionTypeRolloverIn)
	if err != nil {
		return nil, err
	}
	used, err := l.repo.SumTransactions(ctx, userID, models.TransactionTypeDebit)
	if err != nil {
		return nil, err
	}

	return &BalanceSummary{
		UserID:      userID,
		TotalActive: totalActive,
		TotalEarned: earnedGrant + earnedRollover,
		TotalUsed:   used,
		Balances:    balances,
	}, nil
}

// TransactionHistory returns the newest-first audit trail page for a user.
func (l *Ledger) TransactionHistory(ctx context.Context, userID uint, filter HistoryFilter, page, pageSize int) ([]models.CreditTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 25
	}
	return l.repo.ListTransactions(ctx, userID, filter, (page-1)*pageSize, pageSize)
}

// ApplyGrant creates one balance and its matching transaction. The
// transaction's before/after columns capture the aggregate active balance
// around the grant.
func (l *Ledger) ApplyGrant(ctx context.Context, in GrantInput) (*models.CreditBalance, *models.CreditTransaction, error) {
	if in.UserID == 0 || in.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: grant requires a user and a positive amount", ErrInvalidEvent)
	}
	source := in.Source
	if source == "" {
		source = models.BalanceSourceGrant
	}
	grantedAt := in.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = time.Now().UTC()
	}

	before, err := l.repo.TotalActive(ctx, in.UserID, grantedAt)
	if err != nil {
		return nil, nil, err
	}

	transactionID := uuid.NewString()
	balance := &models.CreditBalance{
		UserID:         in.UserID,
		PackageID:      in.PackageID,
		Source:         source,
		Amount:         in.Amount,
		OriginalAmount: in.Amount,
		GrantedAt:      grantedAt,
		ExpiresAt:      in.ExpiresAt,
		Status:         models.BalanceStatusActive,
		TransactionID:  transactionID,
	}
	if err := l.repo.CreateBalance(ctx, balance); err != nil {
		return nil, nil, err
	}

	txType := models.TransactionTypeGrant
	if source == models.BalanceSourceRollover {
		txType = models.TransactionTypeRolloverIn
	}
	transaction := &models.CreditTransaction{
		TransactionID:  transactionID,
		UserID:         in.UserID,
		Type:           txType,
		Amount:         in.Amount,
		BalanceBefore:  before,
		BalanceAfter:   before + in.Amount,
		BalanceID:      &balance.ID,
		SubscriptionID: in.SubscriptionID,
		PackageID:      uintPtrOrNil(in.PackageID),
		EventID:        in.EventID,
		Description:    in.Description,
	}
	if err := l.repo.CreateTransaction(ctx, transaction); err != nil {
		return nil, nil, err
	}
	return balance, transaction, nil
}

// MarkExpired closes a balance as expired. Calling it on an already-expired
// balance is a no-op; any other closed state is a conflict.
func (l *Ledger) MarkExpired(ctx context.Context, id uint, now time.Time) error {
	return l.transition(ctx, id, models.BalanceStatusExpired, now)
}

// MarkRolledOver closes a balance as rolled over. Calling it on an
// already-rolled-over balance is a no-op; any other closed state is a
// conflict.
func (l *Ledger) MarkRolledOver(ctx context.Context, id uint, now time.Time) error {
	return l.transition(ctx, id, models.BalanceStatusRolledOver, now)
}

// MarkConsumed closes a depleted balance. Same transition rules as the other
// closures.
func (l *Ledger) MarkConsumed(ctx context.Context, id uint, now time.Time) error {
	return l.transition(ctx, id, models.BalanceStatusConsumed, now)
}

func (l *Ledger) transition(ctx context.Context, id uint, toStatus string, now time.Time) error {
	closed, err := l.repo.CloseBalance(ctx, id, models.BalanceStatusActive, toStatus, now)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	balance, err := l.repo.GetBalance(ctx, id)
	if err != nil {
		return err
	}
	if balance.Status == toStatus {
		return nil
	}
	return fmt.Errorf("%w: balance %d is %s, cannot mark %s", ErrConflict, id, balance.Status, toStatus)
}

// RollOver carries a balance's remainder into a fresh balance: one
// rollover_out on the source, the source closed, and a rollover balance with
// its rollover_in created, all referencing the triggering event.
func (l *Ledger) RollOver(ctx context.Context, source *models.CreditBalance, expiresAt *time.Time, subscriptionID *uint, eventID string, now time.Time) (*models.CreditBalance, error) {
	if source.Amount <= 0 {
		return nil, fmt.Errorf("%w: balance %d has nothing to roll over", ErrConflict, source.ID)
	}

	before, err := l.repo.TotalActive(ctx, source.UserID, now)
	if err != nil {
		return nil, err
	}

	if err := l.MarkRolledOver(ctx, source.ID, now); err != nil {
		return nil, err
	}

	outTx := &models.CreditTransaction{
		TransactionID:  uuid.NewString(),
		UserID:         source.UserID,
		Type:           models.TransactionTypeRolloverOut,
		Amount:         source.Amount,
		BalanceBefore:  before,
		BalanceAfter:   before - source.Amount,
		BalanceID:      &source.ID,
		SubscriptionID: subscriptionID,
		PackageID:      uintPtrOrNil(source.PackageID),
		EventID:        eventID,
		Description:    "rollover to next period",
	}
	if err := l.repo.CreateTransaction(ctx, outTx); err != nil {
		return nil, err
	}

	rolled, _, err := l.ApplyGrant(ctx, GrantInput{
		UserID:         source.UserID,
		PackageID:      source.PackageID,
		SubscriptionID: subscriptionID,
		Source:         models.BalanceSourceRollover,
		Amount:         source.Amount,
		GrantedAt:      now,
		ExpiresAt:      expiresAt,
		EventID:        eventID,
		Description:    "rollover from previous period",
	})
	if err != nil {
		return nil, err
	}
	return rolled, nil
}

// Debit consumes credits FEFO across the user's spendable balances inside
// one transaction: earliest-expiring balances are drained first, depleted
// ones closed as consumed, and a single debit transaction records the total.
func (l *Ledger) Debit(ctx context.Context, in DebitInput) (*DebitResult, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var result *DebitResult
	err := l.repo.WithinTransaction(ctx, func(txRepo Repository) error {
		now := time.Now().UTC()
		txLedger := NewLedger(txRepo)

		balances, err := txLedger.CurrentBalances(ctx, in.UserID, now)
		if err != nil {
			return err
		}

		var available int64
		for _, b := range balances {
			available += b.Amount
		}
		if available < in.Amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, available, in.Amount)
		}

		remaining := in.Amount
		used := 0
		for i := range balances {
			if remaining <= 0 {
				break
			}
			b := &balances[i]
			take := b.Amount
			if take > remaining {
				take = remaining
			}
			newAmount := b.Amount - take
			ok, err := txRepo.DecrementBalance(ctx, b.ID, b.Amount, newAmount)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: balance %d changed during debit", ErrConflict, b.ID)
			}
			if newAmount == 0 {
				if err := txLedger.MarkConsumed(ctx, b.ID, now); err != nil {
					return err
				}
			}
			remaining -= take
			used++
		}

		description := strings.TrimSpace(in.Note)
		if description == "" {
			description = "credit consumption"
		}
		if in.Endpoint != "" {
			description = fmt.Sprintf("%s (%s)", description, in.Endpoint)
		}

		debitTx := &models.CreditTransaction{
			TransactionID: uuid.NewString(),
			UserID:        in.UserID,
			Type:          models.TransactionTypeDebit,
			Amount:        in.Amount,
			BalanceBefore: available,
			BalanceAfter:  available - in.Amount,
			Description:   description,
		}
		if err := txRepo.CreateTransaction(ctx, debitTx); err != nil {
			return err
		}

		result = &DebitResult{
			TransactionID: debitTx.TransactionID,
			Debited:       in.Amount,
			TotalActive:   available - in.Amount,
			BalancesUsed:  used,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EventStatus reports whether an event id has been applied and what it did.
func (l *Ledger) EventStatus(ctx context.Context, eventID string) (*models.ProcessedBillingEvent, bool, error) {
	event, err := l.repo.GetProcessedEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return event, true, nil
}

func uintPtrOrNil(v uint) *uint {
	if v == 0 {
		return nil
	}
	return &v
}
