package billing

import "encoding/json"

// Webhook event types the engine reacts to. Everything else is acknowledged
// and ignored.
const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// WebhookEvent is the outer envelope of a provider webhook delivery.
type WebhookEvent struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Created int64       `json:"created"`
	Data    WebhookData `json:"data"`
}

// WebhookData carries the event payload; the object shape depends on Type.
type WebhookData struct {
	Object json.RawMessage `json:"object"`
}

// InvoiceObject is the data.object of invoice.* events.
type InvoiceObject struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Status       string            `json:"status"`
	PeriodStart  int64             `json:"period_start"`
	PeriodEnd    int64             `json:"period_end"`
	Lines        InvoiceLineList   `json:"lines"`
	Metadata     map[string]string `json:"metadata"`
}

// InvoiceLineList mirrors the provider's list container.
type InvoiceLineList struct {
	Data []InvoiceLine `json:"data"`
}

// InvoiceLine is one invoice line item. Subscription invoices carry the
// plan charge as a line with the billed price and the covered period.
type InvoiceLine struct {
	Period InvoicePeriod `json:"period"`
	Price  PriceRef      `json:"price"`
}

// InvoicePeriod is the service window a line covers, unix seconds.
type InvoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PriceRef identifies the provider-side plan/price of a line.
type PriceRef struct {
	ID        string         `json:"id"`
	Recurring *PriceInterval `json:"recurring"`
}

// PriceInterval is the recurrence of a price ("month"/"year").
type PriceInterval struct {
	Interval string `json:"interval"`
}

// PrimaryPriceRef returns the price id of the first line that has one.
func (in *InvoiceObject) PrimaryPriceRef() string {
	for _, line := range in.Lines.Data {
		if line.Price.ID != "" {
			return line.Price.ID
		}
	}
	return ""
}

// ServicePeriod returns the covered window in unix seconds, preferring the
// line period over the invoice-level one.
func (in *InvoiceObject) ServicePeriod() (int64, int64) {
	for _, line := range in.Lines.Data {
		if line.Period.Start > 0 || line.Period.End > 0 {
			return line.Period.Start, line.Period.End
		}
	}
	return in.PeriodStart, in.PeriodEnd
}

// SubscriptionObject is the data.object of customer.subscription.* events.
type SubscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}
