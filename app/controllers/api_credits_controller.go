package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CreditFox/internal/pkg/usercontext"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

func newLedger() (*credits.Ledger, error) {
	db := database.GetDB()
	if db == nil {
		return nil, errors.New("database connection is nil")
	}
	return credits.NewLedger(credits.NewRepository(db)), nil
}

// HandleGetCredits returns the authenticated user's current credit position:
// the active total plus every open balance row in consumption order.
func HandleGetCredits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	ledger, err := newLedger()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	summary, err := ledger.Summary(c.Context(), userCtx.UserID, time.Now().UTC())
	if err != nil {
		log.Errorf("[API] Credit summary for user %d failed: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balances"})
	}

	return c.JSON(fiber.Map{
		"user_id":      summary.UserID,
		"total_active": summary.TotalActive,
		"total_earned": summary.TotalEarned,
		"total_used":   summary.TotalUsed,
		"balances":     summary.Balances,
	})
}

// HandleGetCreditTransactions returns the paginated ledger history with
// optional type and time-window filters.
func HandleGetCreditTransactions(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", defaultHistoryPageSize)
	if pageSize < 1 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	filter := credits.HistoryFilter{}
	if txType := strings.TrimSpace(c.Query("type")); txType != "" {
		switch txType {
		case models.TransactionTypeGrant, models.TransactionTypeRolloverIn, models.TransactionTypeRolloverOut, models.TransactionTypeDebit:
			filter.Type = txType
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Unknown transaction type"})
		}
	}
	var err error
	if filter.From, err = parseTimeQuery(c, "from"); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid 'from' timestamp, expected RFC3339"})
	}
	if filter.To, err = parseTimeQuery(c, "to"); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid 'to' timestamp, expected RFC3339"})
	}

	ledger, err := newLedger()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	transactions, total, err := ledger.TransactionHistory(c.Context(), userCtx.UserID, filter, page, pageSize)
	if err != nil {
		log.Errorf("[API] Transaction history for user %d failed: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load transactions"})
	}

	return c.JSON(fiber.Map{
		"page":         page,
		"page_size":    pageSize,
		"total":        total,
		"transactions": transactions,
	})
}

// HandleGetCreditEvent reports whether a billing event id has been processed
// and what it did to the ledger. Providers redeliver webhooks; this endpoint
// lets integrations check an outcome without replaying the event.
func HandleGetCreditEvent(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	eventID := strings.TrimSpace(c.Params("event_id"))
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Event id missing"})
	}

	ledger, err := newLedger()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	event, found, err := ledger.EventStatus(c.Context(), eventID)
	if err != nil {
		log.Errorf("[API] Event status lookup for %s failed: %v", eventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load event"})
	}
	if !found {
		return c.JSON(fiber.Map{"event_id": eventID, "processed": false})
	}
	// Regular users only see their own events.
	if !userCtx.IsAdmin && event.UserID != userCtx.UserID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Event not found"})
	}

	return c.JSON(fiber.Map{
		"event_id":            event.EventID,
		"processed":           true,
		"provider":            event.Provider,
		"event_type":          event.EventType,
		"subscription_id":     event.SubscriptionID,
		"credits_granted":     event.CreditsGranted,
		"credits_rolled_over": event.CreditsRolledOver,
		"total_active_after":  event.TotalActiveAfter,
		"processed_at":        event.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// HandlePostCreditDebit consumes credits from the authenticated user's
// balances, oldest expiry first.
func HandlePostCreditDebit(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var input credits.DebitInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}
	// The key decides whose credits are spent, never the payload.
	input.UserID = userCtx.UserID
	if err := input.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Amount must be a positive integer"})
	}

	ledger, err := newLedger()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := ledger.Debit(ctx, input)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough active credits"})
		}
		log.Errorf("[API] Debit of %d for user %d failed: %v", input.Amount, userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Debit failed"})
	}

	_ = counter.AddCreditsDebited(time.Now().UTC(), result.Debited)

	return c.JSON(fiber.Map{
		"transaction_id": result.TransactionID,
		"debited":        result.Debited,
		"total_active":   result.TotalActive,
		"balances_used":  result.BalancesUsed,
	})
}

func parseTimeQuery(c *fiber.Ctx, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	utc := t.UTC()
	return &utc, nil
}
