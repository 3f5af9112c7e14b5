package credits

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// FEFO ordering for balance reads: earliest expiry first, non-expiring last,
// ties broken by grant time then id.
const fefoOrder = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, granted_at ASC, id ASC"

// Repository provides the DB operations used by the credit engine. All
// methods accept a context so renewals abort cleanly under cancellation.
type Repository interface {
	// WithinTransaction runs fn against a repository scoped to one database
	// transaction. The transaction commits when fn returns nil and rolls
	// back otherwise, releasing any event claim taken inside it.
	WithinTransaction(ctx context.Context, fn func(Repository) error) error

	GetPackageBySlug(ctx context.Context, slug string) (*models.CreditPackage, error)
	GetPackageByID(ctx context.Context, id uint) (*models.CreditPackage, error)
	ListActivePackages(ctx context.Context) ([]models.CreditPackage, error)

	GetSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error)
	GetSubscriptionByProviderRef(ctx context.Context, provider, providerSubscriptionID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	UpdateSubscription(ctx context.Context, id uint, updates map[string]interface{}) error
	ListDueTrancheSubscriptions(ctx context.Context, periodKey string, now time.Time) ([]models.Subscription, error)
	ListTrancheSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)

	ClaimEvent(ctx context.Context, event *models.ProcessedBillingEvent) (bool, error)
	FinalizeEvent(ctx context.Context, eventID string, granted, rolledOver, totalActive int64) error
	GetProcessedEvent(ctx context.Context, eventID string) (*models.ProcessedBillingEvent, error)

	ActiveBalances(ctx context.Context, userID uint) ([]models.CreditBalance, error)
	GetBalance(ctx context.Context, id uint) (*models.CreditBalance, error)
	TotalActive(ctx context.Context, userID uint, now time.Time) (int64, error)
	CreateBalance(ctx context.Context, balance *models.CreditBalance) error
	CloseBalance(ctx context.Context, id uint, fromStatus, toStatus string, closedAt time.Time) (bool, error)
	DecrementBalance(ctx context.Context, id uint, oldAmount, newAmount int64) (bool, error)

	CreateTransaction(ctx context.Context, transaction *models.CreditTransaction) error
	ListTransactions(ctx context.Context, userID uint, filter HistoryFilter, offset, limit int) ([]models.CreditTransaction, int64, error)
	SumTransactions(ctx context.Context, userID uint, txType string) (int64, error)

	GetMonthlyAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.MonthlyAllocation, error)
	CreateMonthlyAllocation(ctx context.Context, allocation *models.MonthlyAllocation) error

	FindPendingFailedAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.FailedAllocation, error)
	FindFailedAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.FailedAllocation, error)
	CreateFailedAllocation(ctx context.Context, failed *models.FailedAllocation) error
	SaveFailedAllocation(ctx context.Context, failed *models.FailedAllocation) error
	ListDueFailedAllocations(ctx context.Context, now time.Time) ([]models.FailedAllocation, error)

	ListDailyStats(ctx context.Context, from, to string) ([]models.CreditDailyStat, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a credit repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithinTransaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetPackageBySlug(ctx context.Context, slug string) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&pkg).Error
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (r *gormRepository) GetPackageByID(ctx context.Context, id uint) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := r.db.WithContext(ctx).First(&pkg, id).Error
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (r *gormRepository) ListActivePackages(ctx context.Context) ([]models.CreditPackage, error) {
	var pkgs []models.CreditPackage
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&pkgs).Error
	return pkgs, err
}

func (r *gormRepository) GetSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByProviderRef(ctx context.Context, provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"package_id",
			"package_slug",
			"status",
			"billing_interval",
			"credits_per_period",
			"allocation_cycle",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) UpdateSubscription(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) ListDueTrancheSubscriptions(ctx context.Context, periodKey string, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}).
		Where("billing_interval = ? AND allocation_cycle = ?", models.BillingIntervalYear, models.AllocationCycleMonthly).
		Where("current_period_end IS NULL OR current_period_end > ?", now).
		Where("NOT EXISTS (SELECT 1 FROM monthly_allocations ma WHERE ma.subscription_id = subscriptions.id AND ma.period_key = ?)", periodKey).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// ListTrancheSubscriptions returns every active tranche subscription still
// inside its yearly period, regardless of allocation state. The discrepancy
// scan walks their past periods itself.
func (r *gormRepository) ListTrancheSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}).
		Where("billing_interval = ? AND allocation_cycle = ?", models.BillingIntervalYear, models.AllocationCycleMonthly).
		Where("current_period_end IS NULL OR current_period_end > ?", now).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// ClaimEvent inserts the processed-event row if no row with the same event id
// exists. The insert-before-mutate ordering makes the unique index the
// serialization point for duplicate deliveries; a rolled-back transaction
// releases the claim together with everything else.
func (r *gormRepository) ClaimEvent(ctx context.Context, event *models.ProcessedBillingEvent) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FinalizeEvent(ctx context.Context, eventID string, granted, rolledOver, totalActive int64) error {
	return r.db.WithContext(ctx).Model(&models.ProcessedBillingEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"credits_granted":     granted,
			"credits_rolled_over": rolledOver,
			"total_active_after":  totalActive,
		}).Error
}

func (r *gormRepository) GetProcessedEvent(ctx context.Context, eventID string) (*models.ProcessedBillingEvent, error) {
	var event models.ProcessedBillingEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) ActiveBalances(ctx context.Context, userID uint) ([]models.CreditBalance, error) {
	var balances []models.CreditBalance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.BalanceStatusActive).
		Order(fefoOrder).
		Find(&balances).Error
	return balances, err
}

func (r *gormRepository) GetBalance(ctx context.Context, id uint) (*models.CreditBalance, error) {
	var balance models.CreditBalance
	err := r.db.WithContext(ctx).First(&balance, id).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// TotalActive sums what the user can spend right now: open balances whose
// expiry has not passed. Stale expired rows awaiting closure do not count.
func (r *gormRepository) TotalActive(ctx context.Context, userID uint, now time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("user_id = ? AND status = ?", userID, models.BalanceStatusActive).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *gormRepository) CreateBalance(ctx context.Context, balance *models.CreditBalance) error {
	return r.db.WithContext(ctx).Create(balance).Error
}

// CloseBalance moves a balance out of one status exactly once. The guard on
// the current status makes the transition one-way: a second caller sees zero
// affected rows.
func (r *gormRepository) CloseBalance(ctx context.Context, id uint, fromStatus, toStatus string, closedAt time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":    toStatus,
			"closed_at": closedAt,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// DecrementBalance writes a new remaining amount guarded by the old one, so
// concurrent debits of the same balance cannot silently overwrite each other.
func (r *gormRepository) DecrementBalance(ctx context.Context, id uint, oldAmount, newAmount int64) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("id = ? AND status = ? AND amount = ?", id, models.BalanceStatusActive, oldAmount).
		Update("amount", newAmount)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateTransaction(ctx context.Context, transaction *models.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(transaction).Error
}

func (r *gormRepository) ListTransactions(ctx context.Context, userID uint, filter HistoryFilter, offset, limit int) ([]models.CreditTransaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transactions []models.CreditTransaction
	err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&transactions).Error
	return transactions, total, err
}

func (r *gormRepository) SumTransactions(ctx context.Context, userID uint, txType string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ?", userID, txType).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *gormRepository) GetMonthlyAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.MonthlyAllocation, error) {
	var allocation models.MonthlyAllocation
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND period_key = ?", subscriptionID, periodKey).
		First(&allocation).Error
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

func (r *gormRepository) CreateMonthlyAllocation(ctx context.Context, allocation *models.MonthlyAllocation) error {
	return r.db.WithContext(ctx).Create(allocation).Error
}

func (r *gormRepository) FindPendingFailedAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.FailedAllocation, error) {
	var failed models.FailedAllocation
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND period_key = ? AND status = ?", subscriptionID, periodKey, models.FailedAllocationStatusPending).
		First(&failed).Error
	if err != nil {
		return nil, err
	}
	return &failed, nil
}

// FindFailedAllocation returns the latest failed-allocation row for the
// period, whatever its status.
func (r *gormRepository) FindFailedAllocation(ctx context.Context, subscriptionID uint, periodKey string) (*models.FailedAllocation, error) {
	var failed models.FailedAllocation
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND period_key = ?", subscriptionID, periodKey).
		Order("id DESC").
		First(&failed).Error
	if err != nil {
		return nil, err
	}
	return &failed, nil
}

func (r *gormRepository) CreateFailedAllocation(ctx context.Context, failed *models.FailedAllocation) error {
	return r.db.WithContext(ctx).Create(failed).Error
}

func (r *gormRepository) SaveFailedAllocation(ctx context.Context, failed *models.FailedAllocation) error {
	return r.db.WithContext(ctx).Save(failed).Error
}

func (r *gormRepository) ListDueFailedAllocations(ctx context.Context, now time.Time) ([]models.FailedAllocation, error) {
	var failed []models.FailedAllocation
	err := r.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.FailedAllocationStatusPending, now).
		Order("next_retry_at ASC").
		Find(&failed).Error
	return failed, err
}

func (r *gormRepository) ListDailyStats(ctx context.Context, from, to string) ([]models.CreditDailyStat, error) {
	var stats []models.CreditDailyStat
	query := r.db.WithContext(ctx).Model(&models.CreditDailyStat{})
	if from != "" {
		query = query.Where("day >= ?", from)
	}
	if to != "" {
		query = query.Where("day <= ?", to)
	}
	err := query.Order("day ASC").Find(&stats).Error
	return stats, err
}
