package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

// Webhook event types the adapter consumes
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired        = "checkout.session.expired"
	EventInvoicePaid            = "invoice.paid"
	EventInvoicePaymentSucceed  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed   = "invoice.payment_failed"
	EventChargeRefunded         = "charge.refunded"
)

// handleWebhook verifies the signature, normalizes the event and enqueues it.
// Event types the adapter does not consume are acknowledged and dropped.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.webhookSecret == "" || p.config.Queue == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.config.Metrics.RecordWebhookError(providerName, "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			p.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.config.Metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	eventType := string(event.Type)
	ev, err := p.normalize(&event)
	if err != nil {
		p.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
		p.config.Logger.Warn("stripe event rejected",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "type", Value: eventType},
			billing.Field{Key: "error", Value: err},
		)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if ev == nil {
		p.config.Metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		//nolint:errcheck // Best effort acknowledgement
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	gateway.Accept(w, p.config.Config, providerName, eventType, ev, start)
}

// normalize turns a verified event into a billing.WebhookEvent. It returns
// nil for events that carry no payment state change.
func (p *Provider) normalize(event *stripe.Event) (*billing.WebhookEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	base := billing.WebhookEvent{
		ExternalEventID: event.ID,
		Gateway:         providerName,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
		ReceivedAt:      p.config.Clock.Now(),
	}

	switch string(event.Type) {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded, EventCheckoutAsyncFailed, EventCheckoutExpired:
		var s checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return sessionEvent(base, string(event.Type), &s)

	case EventInvoicePaid, EventInvoicePaymentSucceed, EventInvoicePaymentFailed:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return invoiceEvent(base, string(event.Type), &inv)

	case EventChargeRefunded:
		var c charge
		if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", billing.ErrInvalidWebhookPayload, err)
		}
		if c.PaymentIntent == "" || c.AmountRefunded == 0 {
			return nil, nil
		}
		// The ledger knows the session, not the intent; the dispatcher's
		// enrichment resolves it through GetPaymentStatus.
		base.ExternalPaymentRef = string(c.PaymentIntent)
		return &base, nil

	default:
		return nil, nil
	}
}

func sessionEvent(base billing.WebhookEvent, eventType string, s *checkoutSession) (*billing.WebhookEvent, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", billing.ErrInvalidWebhookPayload)
	}

	switch eventType {
	case EventCheckoutCompleted:
		if s.PaymentStatus == sessionUnpaid {
			// Delayed methods report through the async events.
			return nil, nil
		}
		base.ReportedStatus = billing.PaymentSucceeded
	case EventCheckoutAsyncSucceeded:
		base.ReportedStatus = billing.PaymentSucceeded
	case EventCheckoutAsyncFailed:
		base.ReportedStatus = billing.PaymentFailed
	case EventCheckoutExpired:
		base.ReportedStatus = billing.PaymentCanceled
	}

	base.ExternalPaymentRef = s.ID
	base.RawStatus = eventType
	base.AccountID = s.Metadata[metadataAccountID]
	if base.AccountID == "" {
		base.AccountID = s.ClientReferenceID
	}
	base.Plan = billing.Plan(s.Metadata[metadataPlan])
	base.AmountMinorUnits = s.AmountTotal
	base.Currency = strings.ToUpper(s.Currency)
	return &base, nil
}

// invoiceEvent maps renewal invoices. The first invoice of a subscription is
// the checkout session's own charge and is already reported by it.
func invoiceEvent(base billing.WebhookEvent, eventType string, inv *invoice) (*billing.WebhookEvent, error) {
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", billing.ErrInvalidWebhookPayload)
	}
	subID := inv.subscriptionID()
	if subID == "" || inv.BillingReason == billingReasonSubscriptionCreate {
		return nil, nil
	}

	if eventType == EventInvoicePaymentFailed {
		base.ReportedStatus = billing.PaymentFailed
	} else {
		base.ReportedStatus = billing.PaymentSucceeded
	}
	base.ExternalPaymentRef = inv.ID
	base.ParentPaymentRef = subID
	base.RawStatus = eventType
	base.AccountID = inv.metadata(metadataAccountID)
	base.Plan = billing.Plan(inv.metadata(metadataPlan))
	base.AmountMinorUnits = inv.amount()
	base.Currency = strings.ToUpper(inv.Currency)
	return &base, nil
}
