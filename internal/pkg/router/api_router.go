package router

import (
	"github.com/ManuelReschke/CreditFox/app/controllers"
	apiv1 "github.com/ManuelReschke/CreditFox/internal/api/v1"
	"github.com/ManuelReschke/CreditFox/internal/pkg/middleware"
	"github.com/ManuelReschke/CreditFox/internal/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", ratelimit.NewAPILimiter())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer()
	keyAuth := middleware.APIKeyAuthMiddleware()
	apiv1.RegisterHandlers(v1, apiServer, keyAuth)

	// Admin API, key auth plus admin role
	admin := v1.Group("/admin", keyAuth, middleware.RequireAdmin)
	admin.Get("/credits/stats", controllers.HandleAdminCreditStats)
	admin.Post("/allocations/run", controllers.HandleAdminAllocationsRun)
	admin.Get("/queues", controllers.HandleAdminQueues)
	admin.Delete("/queues/:key", controllers.HandleAdminQueueDelete)
	admin.Post("/queues/bulk-delete", controllers.HandleAdminQueueBulkDelete)
	admin.Get("/users/:id", controllers.HandleAdminUserShow)
	admin.Post("/users/:id/api-key", controllers.HandleAdminUserAPIKeyIssue)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
