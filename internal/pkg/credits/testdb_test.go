package credits

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// newTestDB opens an isolated in-memory database per test. Claim and
// rollback semantics behave like production, so the idempotency tests are
// meaningful here.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.UserSettings{},
		&models.CreditPackage{},
		&models.Subscription{},
		&models.CreditBalance{},
		&models.CreditTransaction{},
		&models.ProcessedBillingEvent{},
		&models.MonthlyAllocation{},
		&models.FailedAllocation{},
		&models.CreditDailyStat{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}

func newTestRepository(t *testing.T) (Repository, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	return NewRepository(db), db
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{
		Name:     "Testuser",
		Email:    fmt.Sprintf("user-%d@example.com", time.Now().UnixNano()),
		Password: "irrelevant-hash",
		Role:     models.ROLE_USER,
		Status:   models.STATUS_ACTIVE,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user
}

func seedPackage(t *testing.T, db *gorm.DB, mutate ...func(*models.CreditPackage)) *models.CreditPackage {
	t.Helper()

	pkg := &models.CreditPackage{
		Slug:               fmt.Sprintf("pro-monthly-%d", time.Now().UnixNano()),
		Name:               "Pro Monthly",
		Credits:            1000,
		BillingInterval:    models.BillingIntervalMonth,
		RolloverWindowDays: 60,
		IsActive:           true,
	}
	for _, fn := range mutate {
		fn(pkg)
	}
	if err := db.Create(pkg).Error; err != nil {
		t.Fatalf("failed to seed package: %v", err)
	}
	return pkg
}

func seedTranchePackage(t *testing.T, db *gorm.DB) *models.CreditPackage {
	t.Helper()

	return seedPackage(t, db, func(p *models.CreditPackage) {
		p.Slug = fmt.Sprintf("premium-yearly-%d", time.Now().UnixNano())
		p.Name = "Premium Yearly"
		p.Credits = 30000
		p.BillingInterval = models.BillingIntervalYear
		p.MonthlyTranche = true
		p.MonthlyCredits = 2500
	})
}

func seedSubscription(t *testing.T, db *gorm.DB, user *models.User, pkg *models.CreditPackage) *models.Subscription {
	t.Helper()

	cycle := models.AllocationCycleUpfront
	if pkg.MonthlyTranche {
		cycle = models.AllocationCycleMonthly
	}
	sub := &models.Subscription{
		UserID:                 user.ID,
		PackageID:              pkg.ID,
		PackageSlug:            pkg.Slug,
		Provider:               models.BillingProviderStripe,
		ProviderSubscriptionID: fmt.Sprintf("sub_%d_%d", user.ID, time.Now().UnixNano()),
		Status:                 models.SubscriptionStatusActive,
		BillingInterval:        pkg.BillingInterval,
		CreditsPerPeriod:       pkg.Credits,
		AllocationCycle:        cycle,
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("failed to seed subscription: %v", err)
	}
	return sub
}

func invoiceEvent(sub *models.Subscription, pkg *models.CreditPackage, eventID string, periodStart, periodEnd time.Time) BillingEvent {
	return BillingEvent{
		EventID:                eventID,
		Provider:               sub.Provider,
		EventType:              "invoice.payment_succeeded",
		Kind:                   EventKindInvoice,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PackageSlug:            pkg.Slug,
		UserID:                 sub.UserID,
		PeriodStart:            &periodStart,
		PeriodEnd:              &periodEnd,
		OccurredAt:             periodStart,
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()

	var count int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

// flakyRepository injects a failure into the final step of the renewal
// transaction so rollback behavior can be observed.
type flakyRepository struct {
	Repository
	failFinalize bool
}

func (f *flakyRepository) WithinTransaction(ctx context.Context, fn func(Repository) error) error {
	return f.Repository.WithinTransaction(ctx, func(txRepo Repository) error {
		return fn(&flakyRepository{Repository: txRepo, failFinalize: f.failFinalize})
	})
}

func (f *flakyRepository) FinalizeEvent(ctx context.Context, eventID string, granted, rolledOver, totalActive int64) error {
	if f.failFinalize {
		return fmt.Errorf("injected finalize failure for %s", eventID)
	}
	return f.Repository.FinalizeEvent(ctx, eventID, granted, rolledOver, totalActive)
}
