package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobqueue"
)

// AdminCreditsController serves the admin view on the ledger: daily counters,
// totals, and the manual allocation trigger.
type AdminCreditsController struct {
	repos *repository.Repositories
}

// NewAdminCreditsController creates a new admin credits controller with repository dependencies
func NewAdminCreditsController(repos *repository.Repositories) *AdminCreditsController {
	return &AdminCreditsController{
		repos: repos,
	}
}

// HandleCreditStats returns daily credit counters for a date range plus
// engine totals. Defaults to the last 30 days.
func (acc *AdminCreditsController) HandleCreditStats(c *fiber.Ctx) error {
	now := time.Now().UTC()
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	if from == "" {
		from = now.AddDate(0, 0, -30).Format("2006-01-02")
	}
	if to == "" {
		to = now.Format("2006-01-02")
	}
	for _, day := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Dates must be formatted YYYY-MM-DD"})
		}
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	days, err := credits.NewRepository(db).ListDailyStats(ctx, from, to)
	if err != nil {
		log.Errorf("[Admin] Loading daily credit stats failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load daily stats"})
	}

	totalUsers, err := acc.repos.User.Count()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to count users"})
	}
	totalSubscriptions, err := acc.repos.Subscription.Count()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to count subscriptions"})
	}
	activeSubscriptions, err := acc.repos.Subscription.CountByStatus(models.SubscriptionStatusActive)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to count active subscriptions"})
	}
	totalPackages, err := acc.repos.Package.Count()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to count packages"})
	}

	// Queue stats are informational; a cold queue must not break the stats view.
	jobStats := fiber.Map{}
	queue := jobqueue.GetManager().GetQueue()
	if stats, err := queue.GetJobStats(ctx); err == nil {
		for status, count := range stats {
			jobStats[string(status)] = count
		}
	}
	queueSize, _ := queue.GetQueueSize(ctx)
	processingSize, _ := queue.GetProcessingSize(ctx)

	return c.JSON(fiber.Map{
		"from": from,
		"to":   to,
		"days": days,
		"totals": fiber.Map{
			"users":                totalUsers,
			"subscriptions":        totalSubscriptions,
			"active_subscriptions": activeSubscriptions,
			"packages":             totalPackages,
		},
		"jobs": fiber.Map{
			"stats":      jobStats,
			"queued":     queueSize,
			"processing": processingSize,
		},
	})
}

type allocationsRunRequest struct {
	PeriodKey string `json:"period_key"`
}

// HandleAllocationsRun enqueues an allocation sweep immediately. Without a
// period key the sweep covers the current month.
func (acc *AdminCreditsController) HandleAllocationsRun(c *fiber.Ctx) error {
	var req allocationsRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
		}
	}

	periodKey := strings.TrimSpace(req.PeriodKey)
	if periodKey != "" {
		if _, err := time.Parse("2006-01", periodKey); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Period key must be formatted YYYY-MM"})
		}
	}

	job, err := jobqueue.GetManager().RunAllocationSweepOnce(periodKey)
	if err != nil {
		log.Errorf("[Admin] Enqueueing allocation sweep failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to enqueue sweep"})
	}

	if periodKey == "" {
		periodKey = models.PeriodKeyFor(time.Now().UTC())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"ok":         true,
		"job_id":     job.ID,
		"period_key": periodKey,
	})
}
