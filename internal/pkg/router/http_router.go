package router

import (
	"github.com/ManuelReschke/CreditFox/app/controllers"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Initialize admin controllers with repositories
	controllers.InitializeAdminCreditsController()
	controllers.InitializeAdminQueueController()
	controllers.InitializeAdminUsersController()

	h.registerPublicRoutes(app)
}

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Billing provider webhooks (no auth, signature-verified in controller)
	app.Post("/webhook/billing", controllers.HandleBillingWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
