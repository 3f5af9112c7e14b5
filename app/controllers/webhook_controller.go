package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/database"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics/counter"
)

// HandleBillingWebhook receives provider billing deliveries. The signature is
// verified against the raw body before anything is parsed; duplicate renewal
// deliveries are acknowledged without touching the ledger a second time.
func HandleBillingWebhook(c *fiber.Ctx) error {
	if settings := models.GetAppSettings(); settings != nil && !settings.IsWebhookEnabled() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "webhook_disabled"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, "Stripe-Signature", "X-Billing-Signature")
	secret := env.GetEnv("BILLING_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookSignature(rawBody, signature, secret, billing.DefaultSignatureTolerance, time.Now()) {
		ipv4, ipv6 := GetClientIP(c)
		log.Warnf("[Webhook] Invalid signature from %s %s", ipv4, ipv6)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	evt, err := billing.ParseWebhookEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database_unavailable"})
	}
	svc := billing.NewServiceFromDB(db)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch {
	case billing.IsRenewalEvent(evt.Type):
		return handleRenewalEvent(c, ctx, svc, db, evt)
	case billing.IsSubscriptionEvent(evt.Type):
		return handleSubscriptionEvent(c, ctx, svc, evt)
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
}

func handleRenewalEvent(c *fiber.Ctx, ctx context.Context, svc *billing.Service, db *gorm.DB, evt *billing.WebhookEvent) error {
	event, err := svc.NormalizeInvoice(ctx, evt)
	if err != nil {
		if errors.Is(err, credits.ErrUnknownPackage) {
			log.Warnf("[Webhook] Event %s references unmapped package: %v", evt.ID, err)
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "unknown_package"})
		}
		if errors.Is(err, credits.ErrInvalidEvent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Errorf("[Webhook] Normalizing event %s failed: %v", evt.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "normalization_failed"})
	}

	processor := credits.NewProcessor(credits.NewRepository(db))
	result, err := processor.ProcessRenewal(ctx, *event)
	if err != nil {
		log.Errorf("[Webhook] Renewal for event %s failed: %v", event.EventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "renewal_failed"})
	}

	now := time.Now().UTC()
	if result.Duplicate {
		_ = counter.AddDuplicateEvent(now)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	_ = counter.AddEventProcessed(now)
	_ = counter.AddCreditsGranted(now, result.CreditsGranted)
	_ = counter.AddCreditsRolledOver(now, result.CreditsRolledOver)
	log.Infof("[Webhook] Event %s granted %d credits (rolled over %d) for user %d",
		result.EventID, result.CreditsGranted, result.CreditsRolledOver, result.UserID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func handleSubscriptionEvent(c *fiber.Ctx, ctx context.Context, svc *billing.Service, evt *billing.WebhookEvent) error {
	_, plan, err := svc.SyncSubscription(ctx, evt)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Subscription was never seen through a renewal; nothing to update.
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		log.Errorf("[Webhook] Subscription sync for event %s failed: %v", evt.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_sync_failed"})
	}
	log.Infof("[Webhook] Subscription event %s applied, effective plan: %s", evt.ID, plan)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
