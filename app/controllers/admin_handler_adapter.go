package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/app/repository"
)

// Global admin controller instances
var adminCreditsController *AdminCreditsController
var adminQueueController *AdminQueueController
var adminUsersController *AdminUsersController

// InitializeAdminCreditsController initializes the global admin credits controller with repositories
func InitializeAdminCreditsController() {
	repos := repository.GetGlobalRepositories()
	adminCreditsController = NewAdminCreditsController(repos)
}

// GetAdminCreditsController returns the global admin credits controller instance
func GetAdminCreditsController() *AdminCreditsController {
	if adminCreditsController == nil {
		InitializeAdminCreditsController()
	}
	return adminCreditsController
}

// InitializeAdminQueueController initializes the global admin queue controller with repository
func InitializeAdminQueueController() {
	queueRepo := repository.GetGlobalFactory().GetQueueRepository()
	adminQueueController = NewAdminQueueController(queueRepo)
}

// GetAdminQueueController returns the global admin queue controller instance
func GetAdminQueueController() *AdminQueueController {
	if adminQueueController == nil {
		InitializeAdminQueueController()
	}
	return adminQueueController
}

// InitializeAdminUsersController initializes the global admin users controller with repositories
func InitializeAdminUsersController() {
	repos := repository.GetGlobalRepositories()
	adminUsersController = NewAdminUsersController(repos)
}

// GetAdminUsersController returns the global admin users controller instance
func GetAdminUsersController() *AdminUsersController {
	if adminUsersController == nil {
		InitializeAdminUsersController()
	}
	return adminUsersController
}

// Adapter functions to maintain compatibility with the router

// HandleAdminCreditStats - Adapter for daily credit stats
func HandleAdminCreditStats(c *fiber.Ctx) error {
	return GetAdminCreditsController().HandleCreditStats(c)
}

// HandleAdminAllocationsRun - Adapter for the manual allocation sweep trigger
func HandleAdminAllocationsRun(c *fiber.Ctx) error {
	return GetAdminCreditsController().HandleAllocationsRun(c)
}

// HandleAdminQueues - Adapter for queue inspection
func HandleAdminQueues(c *fiber.Ctx) error {
	return GetAdminQueueController().HandleQueues(c)
}

// HandleAdminQueueDelete - Adapter for single key deletion
func HandleAdminQueueDelete(c *fiber.Ctx) error {
	return GetAdminQueueController().HandleQueueDelete(c)
}

// HandleAdminQueueBulkDelete - Adapter for pattern-based deletion
func HandleAdminQueueBulkDelete(c *fiber.Ctx) error {
	return GetAdminQueueController().HandleQueueBulkDelete(c)
}

// HandleAdminUserShow - Adapter for the support view on a user
func HandleAdminUserShow(c *fiber.Ctx) error {
	return GetAdminUsersController().HandleUserShow(c)
}

// HandleAdminUserAPIKeyIssue - Adapter for provisioning a user's API key
func HandleAdminUserAPIKeyIssue(c *fiber.Ctx) error {
	return GetAdminUsersController().HandleUserAPIKeyIssue(c)
}
