package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// ServerInterface lists the handlers served below /api/v1.
type ServerInterface interface {
	// GetPing returns a liveness probe response.
	GetPing(c *fiber.Ctx) error
	// GetCredits returns the caller's active credit position.
	GetCredits(c *fiber.Ctx) error
	// GetCreditTransactions returns the caller's paginated ledger history.
	GetCreditTransactions(c *fiber.Ctx) error
	// GetCreditEvent reports whether a billing event has been processed.
	GetCreditEvent(c *fiber.Ctx, eventID string) error
	// PostCreditDebit consumes credits from the caller's balances.
	PostCreditDebit(c *fiber.Ctx) error
	// GetUserProfile returns the caller's account overview.
	GetUserProfile(c *fiber.Ctx) error
	// PostUserAPIKey rotates the caller's API key.
	PostUserAPIKey(c *fiber.Ctx) error
	// DeleteUserAPIKey revokes the caller's API key.
	DeleteUserAPIKey(c *fiber.Ctx) error
}

// Pong is the response body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// RegisterHandlers mounts the v1 routes on the given router group. keyAuth
// guards every route except the ping probe.
func RegisterHandlers(router fiber.Router, si ServerInterface, keyAuth fiber.Handler) {
	router.Get("/ping", si.GetPing)

	router.Get("/credits", keyAuth, si.GetCredits)
	router.Get("/credits/transactions", keyAuth, si.GetCreditTransactions)
	router.Get("/credits/events/:event_id", keyAuth, func(c *fiber.Ctx) error {
		return si.GetCreditEvent(c, c.Params("event_id"))
	})
	router.Post("/credits/debit", keyAuth, si.PostCreditDebit)
	router.Get("/user/profile", keyAuth, si.GetUserProfile)
	router.Post("/user/api-key", keyAuth, si.PostUserAPIKey)
	router.Delete("/user/api-key", keyAuth, si.DeleteUserAPIKey)
}
