package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/usercontext"
)

// newAuthedTestApp builds a fiber app whose requests carry the given user
// context, the way APIKeyAuthMiddleware would set it.
func newAuthedTestApp(userCtx usercontext.UserContext) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userCtx.UserID != 0 {
			c.Locals("USER_CONTEXT", userCtx)
			c.Locals(usercontext.KeyFromProtected, true)
			c.Locals(usercontext.KeyUserID, userCtx.UserID)
			c.Locals(usercontext.KeyUsername, userCtx.Username)
			c.Locals(usercontext.KeyIsAdmin, userCtx.IsAdmin)
		}
		return c.Next()
	})
	app.Get("/api/v1/credits", HandleGetCredits)
	app.Get("/api/v1/credits/transactions", HandleGetCreditTransactions)
	app.Get("/api/v1/credits/events/:event_id", HandleGetCreditEvent)
	app.Post("/api/v1/credits/debit", HandlePostCreditDebit)
	return app
}

func seedTestUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()

	user := &models.User{
		Name:     name,
		Email:    fmt.Sprintf("%s-%d@example.com", name, time.Now().UnixNano()),
		Password: "irrelevant-hash",
		Role:     models.ROLE_USER,
		Status:   models.STATUS_ACTIVE,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedBalance(t *testing.T, db *gorm.DB, userID uint, amount int64, expiresAt *time.Time) *models.CreditBalance {
	t.Helper()

	balance := &models.CreditBalance{
		UserID:         userID,
		Source:         models.BalanceSourceGrant,
		Amount:         amount,
		OriginalAmount: amount,
		GrantedAt:      time.Now().UTC().Add(-time.Hour),
		ExpiresAt:      expiresAt,
		Status:         models.BalanceStatusActive,
	}
	require.NoError(t, db.Create(balance).Error)
	return balance
}

func doJSON(t *testing.T, app *fiber.App, method, target string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if payload != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "response was not JSON: %s", raw)
	}
	return resp.StatusCode, decoded
}

func authedContext(user *models.User) usercontext.UserContext {
	return usercontext.UserContext{
		UserID:     user.ID,
		Username:   user.Name,
		IsLoggedIn: true,
		IsAdmin:    user.Role == models.ROLE_ADMIN,
		Plan:       models.PlanFree,
	}
}

func TestHandleGetCredits(t *testing.T) {
	db := newControllerTestDB(t)
	user := seedTestUser(t, db, "balance-holder")

	soon := time.Now().UTC().Add(10 * 24 * time.Hour)
	later := time.Now().UTC().Add(40 * 24 * time.Hour)
	seedBalance(t, db, user.ID, 300, &soon)
	seedBalance(t, db, user.ID, 700, &later)

	app := newAuthedTestApp(authedContext(user))
	status, body := doJSON(t, app, fiber.MethodGet, "/api/v1/credits", nil)

	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1000, body["total_active"])
	balances, ok := body["balances"].([]interface{})
	require.True(t, ok)
	assert.Len(t, balances, 2)
	// Consumption order: nearest expiry first.
	first := balances[0].(map[string]interface{})
	assert.EqualValues(t, 300, first["amount"])
}

func TestHandleGetCredits_Unauthenticated(t *testing.T) {
	newControllerTestDB(t)
	app := newAuthedTestApp(usercontext.UserContext{})

	status, body := doJSON(t, app, fiber.MethodGet, "/api/v1/credits", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestHandleGetCreditTransactions(t *testing.T) {
	db := newControllerTestDB(t)
	user := seedTestUser(t, db, "history-holder")

	for i := 0; i < 3; i++ {
		tx := &models.CreditTransaction{
			TransactionID: fmt.Sprintf("tx-%d-%d", user.ID, i),
			UserID:        user.ID,
			Type:          models.TransactionTypeGrant,
			Amount:        1000,
			BalanceAfter:  int64(1000 * (i + 1)),
		}
		require.NoError(t, db.Create(tx).Error)
	}
	debit := &models.CreditTransaction{
		TransactionID: fmt.Sprintf("tx-%d-debit", user.ID),
		UserID:        user.ID,
		Type:          models.TransactionTypeDebit,
		Amount:        250,
		BalanceAfter:  2750,
	}
	require.NoError(t, db.Create(debit).Error)

	app := newAuthedTestApp(authedContext(user))

	status, body := doJSON(t, app, fiber.MethodGet, "/api/v1/credits/transactions?page=1&page_size=2", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 4, body["total"])
	assert.Len(t, body["transactions"], 2)

	status, body = doJSON(t, app, fiber.MethodGet, "/api/v1/credits/transactions?type=debit", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])

	status, _ = doJSON(t, app, fiber.MethodGet, "/api/v1/credits/transactions?type=bogus", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = doJSON(t, app, fiber.MethodGet, "/api/v1/credits/transactions?from=yesterday", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestHandleGetCreditEvent(t *testing.T) {
	db := newControllerTestDB(t)
	user := seedTestUser(t, db, "event-owner")
	other := seedTestUser(t, db, "event-other")

	processed := &models.ProcessedBillingEvent{
		EventID:           "evt_seen_1",
		Provider:          models.BillingProviderStripe,
		EventType:         "invoice.payment_succeeded",
		UserID:            user.ID,
		CreditsGranted:    1000,
		CreditsRolledOver: 250,
		TotalActiveAfter:  1250,
	}
	require.NoError(t, db.Create(processed).Error)

	app := newAuthedTestApp(authedContext(user))

	status, body := doJSON(t, app, fiber.MethodGet, "/api/v1/credits/events/evt_seen_1", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["processed"])
	assert.EqualValues(t, 1000, body["credits_granted"])
	assert.EqualValues(t, 250, body["credits_rolled_over"])

	status, body = doJSON(t, app, fiber.MethodGet, "/api/v1/credits/events/evt_never_seen", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["processed"])

	// Another user must not see the event.
	otherApp := newAuthedTestApp(authedContext(other))
	status, _ = doJSON(t, otherApp, fiber.MethodGet, "/api/v1/credits/events/evt_seen_1", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHandlePostCreditDebit(t *testing.T) {
	db := newControllerTestDB(t)
	user := seedTestUser(t, db, "spender")

	soon := time.Now().UTC().Add(5 * 24 * time.Hour)
	later := time.Now().UTC().Add(30 * 24 * time.Hour)
	first := seedBalance(t, db, user.ID, 300, &soon)
	second := seedBalance(t, db, user.ID, 200, &later)

	app := newAuthedTestApp(authedContext(user))

	status, body := doJSON(t, app, fiber.MethodPost, "/api/v1/credits/debit", map[string]interface{}{
		"amount":   400,
		"endpoint": "render",
		"note":     "batch 42",
	})
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 400, body["debited"])
	assert.EqualValues(t, 100, body["total_active"])
	assert.EqualValues(t, 2, body["balances_used"])
	assert.NotEmpty(t, body["transaction_id"])

	// Oldest expiry is drained first.
	var reloadedFirst, reloadedSecond models.CreditBalance
	require.NoError(t, db.First(&reloadedFirst, first.ID).Error)
	require.NoError(t, db.First(&reloadedSecond, second.ID).Error)
	assert.Equal(t, models.BalanceStatusConsumed, reloadedFirst.Status)
	assert.Equal(t, int64(100), reloadedSecond.Amount)

	status, body = doJSON(t, app, fiber.MethodPost, "/api/v1/credits/debit", map[string]interface{}{
		"amount": 10000,
	})
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_credits", body["error"])

	status, _ = doJSON(t, app, fiber.MethodPost, "/api/v1/credits/debit", map[string]interface{}{
		"amount": -5,
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
}
