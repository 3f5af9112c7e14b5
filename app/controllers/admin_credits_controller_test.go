package controllers

import (
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/app/repository"
)

func newAdminStatsApp(t *testing.T, db *gorm.DB) (*fiber.App, *AdminCreditsController) {
	t.Helper()
	ctrl := NewAdminCreditsController(repository.NewRepositories(db))
	app := fiber.New()
	app.Get("/admin/credits/stats", ctrl.HandleCreditStats)
	app.Post("/admin/allocations/run", ctrl.HandleAllocationsRun)
	return app, ctrl
}

func TestHandleCreditStats(t *testing.T) {
	db := newControllerTestDB(t)

	userA := seedTestUser(t, db, "stats-user-a")
	seedTestUser(t, db, "stats-user-b")
	pkg := models.CreditPackage{Slug: "pro-monthly", Name: "Pro", Credits: 1000, BillingInterval: models.BillingIntervalMonth, RolloverWindowDays: 60, IsActive: true}
	require.NoError(t, db.Create(&pkg).Error)
	require.NoError(t, db.Create(&models.Subscription{
		UserID: userA.ID, PackageID: pkg.ID, PackageSlug: pkg.Slug,
		Provider: models.BillingProviderStripe, ProviderSubscriptionID: "sub_stats_active",
		Status: models.SubscriptionStatusActive, BillingInterval: models.BillingIntervalMonth,
		CreditsPerPeriod: 1000, AllocationCycle: models.AllocationCycleUpfront,
	}).Error)
	require.NoError(t, db.Create(&models.Subscription{
		UserID: userA.ID, PackageID: pkg.ID, PackageSlug: pkg.Slug,
		Provider: models.BillingProviderStripe, ProviderSubscriptionID: "sub_stats_canceled",
		Status: models.SubscriptionStatusCanceled, BillingInterval: models.BillingIntervalMonth,
		CreditsPerPeriod: 1000, AllocationCycle: models.AllocationCycleUpfront,
	}).Error)

	require.NoError(t, db.Create(&models.CreditDailyStat{Day: "2024-03-01", EventsProcessed: 4, CreditsGranted: 4000}).Error)
	require.NoError(t, db.Create(&models.CreditDailyStat{Day: "2024-03-02", EventsProcessed: 2, CreditsGranted: 2000, CreditsDebited: 300}).Error)
	require.NoError(t, db.Create(&models.CreditDailyStat{Day: "2024-04-15", EventsProcessed: 9}).Error)

	app, _ := newAdminStatsApp(t, db)

	status, body := doJSON(t, app, fiber.MethodGet, "/admin/credits/stats?from=2024-03-01&to=2024-03-31", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2024-03-01", body["from"])
	assert.Equal(t, "2024-03-31", body["to"])

	days, ok := body["days"].([]interface{})
	require.True(t, ok)
	require.Len(t, days, 2, "the April row must stay outside the range")
	firstDay := days[0].(map[string]interface{})
	assert.Equal(t, "2024-03-01", firstDay["day"])
	assert.EqualValues(t, 4000, firstDay["credits_granted"])

	totals, ok := body["totals"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, totals["users"])
	assert.EqualValues(t, 2, totals["subscriptions"])
	assert.EqualValues(t, 1, totals["active_subscriptions"])
	assert.EqualValues(t, 1, totals["packages"])

	_, ok = body["jobs"].(map[string]interface{})
	assert.True(t, ok)
}

func TestHandleCreditStatsRejectsBadDates(t *testing.T) {
	db := newControllerTestDB(t)
	app, _ := newAdminStatsApp(t, db)

	status, body := doJSON(t, app, fiber.MethodGet, "/admin/credits/stats?from=01.03.2024", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])

	status, _ = doJSON(t, app, fiber.MethodGet, "/admin/credits/stats?to=2024-3-9", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleAllocationsRunRejectsBadPeriodKey(t *testing.T) {
	db := newControllerTestDB(t)
	app, _ := newAdminStatsApp(t, db)

	status, body := doJSON(t, app, fiber.MethodPost, "/admin/allocations/run", map[string]interface{}{"period_key": "2024-13"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])

	status, _ = doJSON(t, app, fiber.MethodPost, "/admin/allocations/run", map[string]interface{}{"period_key": "March 2024"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestPeriodKeyFor(t *testing.T) {
	at := time.Date(2024, 11, 30, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2024-11", models.PeriodKeyFor(at))
}
