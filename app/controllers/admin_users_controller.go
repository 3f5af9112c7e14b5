package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
)

// AdminUsersController covers the support surface: inspect a user's credit
// position and provision API keys for users who cannot authenticate yet.
type AdminUsersController struct {
	repos *repository.Repositories
}

// NewAdminUsersController creates a new admin users controller with repository dependencies
func NewAdminUsersController(repos *repository.Repositories) *AdminUsersController {
	return &AdminUsersController{
		repos: repos,
	}
}

// HandleUserShow returns a user's account data, ledger position, and
// subscriptions in one response for support lookups.
func (auc *AdminUsersController) HandleUserShow(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
	}

	user, err := auc.repos.User.GetByID(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	stats, err := auc.repos.User.GetCreditStatsByUserID(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load statistics"})
	}

	subscriptions, err := auc.repos.Subscription.ListByUser(user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load subscriptions"})
	}

	return c.JSON(fiber.Map{
		"id":         user.ID,
		"username":   user.Name,
		"email":      user.Email,
		"status":     user.Status,
		"role":       user.Role,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339),
		"credits": fiber.Map{
			"active_total":      stats.ActiveCredits,
			"open_balances":     stats.OpenBalances,
			"transaction_count": stats.TransactionCount,
		},
		"subscriptions": subscriptions,
	})
}

// HandleUserAPIKeyIssue provisions a fresh API key on behalf of a user. The
// raw key appears in this response only; afterwards the user rotates it
// through the self-service endpoint.
func (auc *AdminUsersController) HandleUserAPIKeyIssue(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
	}

	user, err := auc.repos.User.GetByID(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}
	settings, err := models.GetOrCreateUserSettings(db, user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user settings"})
	}

	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		log.Errorf("[Admin] Issuing API key for user %d failed: %v", user.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to generate API key"})
	}
	if err := db.Save(settings).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to store API key"})
	}

	log.Infof("[Admin] API key provisioned for user %d", user.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user_id":    user.ID,
		"api_key":    rawKey,
		"prefix":     settings.APIKeyPrefix,
		"created_at": formatTimePtr(settings.APIKeyCreatedAt),
	})
}
