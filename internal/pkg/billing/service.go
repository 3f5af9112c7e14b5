package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
)

// Service normalizes provider webhook payloads into engine events and keeps
// local subscription state in sync with the provider.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// ParseWebhookEvent decodes the outer envelope of a delivery.
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if strings.TrimSpace(evt.ID) == "" || strings.TrimSpace(evt.Type) == "" {
		return nil, errors.New("webhook payload missing id or type")
	}
	return &evt, nil
}

// IsRenewalEvent reports whether the event type triggers a credit renewal.
func IsRenewalEvent(eventType string) bool {
	return eventType == EventInvoicePaymentSucceeded || eventType == EventInvoicePaid
}

// IsSubscriptionEvent reports whether the event updates subscription state.
func IsSubscriptionEvent(eventType string) bool {
	return eventType == EventSubscriptionUpdated || eventType == EventSubscriptionDeleted
}

// NormalizeInvoice turns a paid-invoice delivery into the engine's event
// form. Credit amounts are never taken from the payload; the mapped package
// configuration decides them.
func (s *Service) NormalizeInvoice(ctx context.Context, evt *WebhookEvent) (*credits.BillingEvent, error) {
	var invoice InvoiceObject
	if err := json.Unmarshal(evt.Data.Object, &invoice); err != nil {
		return nil, fmt.Errorf("decode invoice object: %w", err)
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil, errors.New("invoice event without subscription reference")
	}

	priceRef := invoice.PrimaryPriceRef()
	if priceRef == "" {
		return nil, errors.New("invoice event without price reference")
	}
	mapping, err := s.repo.FindActivePackageMapping(models.BillingProviderStripe, priceRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active mapping for %s price %s", credits.ErrUnknownPackage, models.BillingProviderStripe, priceRef)
		}
		return nil, fmt.Errorf("resolve package mapping: %w", err)
	}

	start, end := invoice.ServicePeriod()
	event := &credits.BillingEvent{
		EventID:                evt.ID,
		Provider:               models.BillingProviderStripe,
		EventType:              evt.Type,
		Kind:                   credits.EventKindInvoice,
		ProviderSubscriptionID: invoice.Subscription,
		PackageSlug:            mapping.PackageSlug,
		UserID:                 metadataUserID(invoice.Metadata),
		PeriodStart:            unixTimePtr(start),
		PeriodEnd:              unixTimePtr(end),
		OccurredAt:             unixTime(evt.Created),
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// SyncSubscription applies a customer.subscription.* delivery to the local
// subscription row and reconciles the owner's plan. Unknown subscriptions
// surface gorm.ErrRecordNotFound so the caller can acknowledge without
// acting. Returns the updated row and the reconciled plan.
func (s *Service) SyncSubscription(ctx context.Context, evt *WebhookEvent) (*models.Subscription, string, error) {
	var obj SubscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return nil, "", fmt.Errorf("decode subscription object: %w", err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, "", errors.New("subscription event without id")
	}

	sub, err := s.repo.GetSubscriptionByProviderRef(models.BillingProviderStripe, obj.ID)
	if err != nil {
		return nil, "", err
	}

	if evt.Type == EventSubscriptionDeleted {
		sub.Status = models.SubscriptionStatusCanceled
	} else if obj.Status != "" {
		sub.Status = NormalizeSubscriptionStatus(obj.Status)
	}
	sub.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	if start := unixTimePtr(obj.CurrentPeriodStart); start != nil {
		sub.CurrentPeriodStart = start
	}
	if end := unixTimePtr(obj.CurrentPeriodEnd); end != nil {
		sub.CurrentPeriodEnd = end
	}
	if err := s.repo.SaveSubscription(sub); err != nil {
		return nil, "", fmt.Errorf("save subscription: %w", err)
	}

	plan, err := s.ReconcileUserPlan(ctx, sub.UserID)
	if err != nil {
		return sub, "", fmt.Errorf("reconcile plan for user %d: %w", sub.UserID, err)
	}
	return sub, plan, nil
}

// ReconcileUserPlan recomputes the stored plan from the user's
// subscriptions: the package slug of an entitling subscription wins,
// otherwise the user falls back to the free plan.
func (s *Service) ReconcileUserPlan(ctx context.Context, userID uint) (string, error) {
	subs, err := s.repo.ListSubscriptionsByUser(userID)
	if err != nil {
		return "", err
	}

	plan := models.PlanFree
	for _, sub := range subs {
		if IsEntitlingStatus(sub.Status) && sub.PackageSlug != "" {
			plan = sub.PackageSlug
			break
		}
	}

	settings, err := s.repo.GetOrCreateUserSettings(userID)
	if err != nil {
		return "", err
	}
	if settings.Plan != plan {
		settings.Plan = plan
		if err := s.repo.SaveUserSettings(settings); err != nil {
			return "", err
		}
	}
	return plan, nil
}

func metadataUserID(metadata map[string]string) uint {
	raw := strings.TrimSpace(metadata["user_id"])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
