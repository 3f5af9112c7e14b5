package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/CreditFox/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetCredits returns the caller's active balance summary.
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetCredits(c *fiber.Ctx) error {
	return controllers.HandleGetCredits(c)
}

// GetCreditTransactions returns the caller's paginated ledger history.
func (s *APIServer) GetCreditTransactions(c *fiber.Ctx) error {
	return controllers.HandleGetCreditTransactions(c)
}

// GetCreditEvent reports whether a billing event has been processed.
// Controller reads event_id from route params; wrapper already set it.
func (s *APIServer) GetCreditEvent(c *fiber.Ctx, eventID string) error {
	return controllers.HandleGetCreditEvent(c)
}

// PostCreditDebit consumes credits from the caller's balances.
func (s *APIServer) PostCreditDebit(c *fiber.Ctx) error {
	return controllers.HandlePostCreditDebit(c)
}

// GetUserProfile returns account information for the authenticated user (API key).
// Security is enforced via API key middleware attached in the router.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return controllers.HandleGetUserAccount(c)
}

// PostUserAPIKey rotates the caller's API key and returns the new secret exactly once.
func (s *APIServer) PostUserAPIKey(c *fiber.Ctx) error {
	return controllers.HandlePostUserAPIKey(c)
}

// DeleteUserAPIKey revokes the caller's API key.
func (s *APIServer) DeleteUserAPIKey(c *fiber.Ctx) error {
	return controllers.HandleDeleteUserAPIKey(c)
}
