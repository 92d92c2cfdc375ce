package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
)

const (
	endpointSessionCreate   = "/checkout/sessions"
	endpointSessionRetrieve = "/checkout/sessions/{id}"
	endpointSessionList     = "/checkout/sessions/list"
	endpointInvoiceRetrieve = "/invoices/{id}"
	endpointRefundCreate    = "/refunds"
	endpointSubscription    = "/subscriptions/{id}"
)

// CreatePayment implements billing.Gateway by opening a Checkout Session.
// Recurring requests use subscription mode with a monthly price, so Stripe
// bills renewals as invoices; the metadata lets webhooks find the account.
func (p *Provider) CreatePayment(ctx context.Context, req *billing.PaymentRequest) (*billing.GatewayPayment, error) {
	metadata := map[string]string{
		metadataAccountID: req.AccountID,
		metadataPlan:      string(req.Plan),
	}
	if req.OrderNumber != "" {
		metadata[metadataOrderNumber] = req.OrderNumber
	}

	name := req.Description
	if name == "" {
		name = string(req.Plan)
	}
	priceData := &stripe.CheckoutSessionCreateLineItemPriceDataParams{
		Currency:   stripe.String(strings.ToLower(req.Currency)),
		UnitAmount: stripe.Int64(req.AmountMinorUnits),
		ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
			Name: stripe.String(name),
		},
	}

	successURL := req.ReturnURL
	if successURL == "" {
		successURL = p.config.SuccessURL
	}
	cancelURL := p.config.CancelURL
	if cancelURL == "" {
		cancelURL = successURL
	}

	params := &stripe.CheckoutSessionCreateParams{
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.AccountID),
		Metadata:          metadata,
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.Recurring {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		priceData.Recurring = &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
			Interval:      stripe.String("month"),
			IntervalCount: stripe.Int64(1),
		}
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: metadata}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{Metadata: metadata}
	}
	if req.OrderNumber != "" {
		params.SetIdempotencyKey(req.OrderNumber)
	}

	var session *stripe.CheckoutSession
	err := p.call(ctx, endpointSessionCreate, func(ctx context.Context) error {
		var err error
		session, err = p.stripeClient.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		if errors.Is(err, billing.ErrGatewayUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrPaymentCreationFailed, err)
	}

	gp, err := sessionFromSDK(session).toGatewayPayment()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrPaymentCreationFailed, err)
	}
	if gp.AccountID == "" {
		gp.AccountID = req.AccountID
	}
	if gp.Plan == "" {
		gp.Plan = req.Plan
	}
	return gp, nil
}

// GetPaymentStatus implements billing.Gateway. Session and invoice refs are
// read directly; a PaymentIntent ref is resolved to the session it paid.
func (p *Provider) GetPaymentStatus(ctx context.Context, ref string) (*billing.GatewayPayment, error) {
	switch {
	case strings.HasPrefix(ref, prefixSession):
		s, err := p.retrieveSession(ctx, ref)
		if err != nil {
			return nil, err
		}
		return s.toGatewayPayment()
	case strings.HasPrefix(ref, prefixInvoice):
		inv, err := p.retrieveInvoice(ctx, ref)
		if err != nil {
			return nil, err
		}
		return inv.toGatewayPayment()
	case strings.HasPrefix(ref, prefixPaymentIntent):
		id, err := p.sessionForPaymentIntent(ctx, ref)
		if err != nil {
			return nil, err
		}
		s, err := p.retrieveSession(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.toGatewayPayment()
	default:
		return nil, fmt.Errorf("%w: unsupported stripe ref %q", billing.ErrInvalidWebhookPayload, ref)
	}
}

// Refund implements billing.Gateway. An amount of 0 refunds the whole payment.
func (p *Provider) Refund(ctx context.Context, ref string, amountMinorUnits int64) error {
	if amountMinorUnits < 0 {
		return billing.ErrInvalidAmount
	}
	intent, err := p.paymentIntentFor(ctx, ref)
	if err != nil {
		return err
	}
	if intent == "" {
		return fmt.Errorf("%w: %s has no payment intent to refund", gateway.ErrNotSupported, ref)
	}

	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(intent)}
	if amountMinorUnits > 0 {
		params.Amount = stripe.Int64(amountMinorUnits)
	}
	return p.call(ctx, endpointRefundCreate, func(ctx context.Context) error {
		_, err := p.stripeClient.V1Refunds.Create(ctx, params)
		return err
	})
}

// StopRecurrence implements billing.Gateway. The Stripe subscription is set to
// end with its current period so no further invoices are raised.
func (p *Provider) StopRecurrence(ctx context.Context, ref string) error {
	subID := ""
	switch {
	case strings.HasPrefix(ref, prefixSubscription):
		subID = ref
	case strings.HasPrefix(ref, prefixSession):
		s, err := p.retrieveSession(ctx, ref)
		if err != nil {
			return err
		}
		subID = string(s.Subscription)
	case strings.HasPrefix(ref, prefixInvoice):
		inv, err := p.retrieveInvoice(ctx, ref)
		if err != nil {
			return err
		}
		subID = inv.subscriptionID()
	}
	if subID == "" {
		return fmt.Errorf("%w: %s is not a recurring payment", gateway.ErrNotSupported, ref)
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
	return p.call(ctx, endpointSubscription, func(ctx context.Context) error {
		_, err := p.stripeClient.V1Subscriptions.Update(ctx, subID, params)
		return err
	})
}

func (p *Provider) retrieveSession(ctx context.Context, id string) (*checkoutSession, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("payment_intent.latest_charge")

	var session *stripe.CheckoutSession
	err := p.call(ctx, endpointSessionRetrieve, func(ctx context.Context) error {
		var err error
		session, err = p.stripeClient.V1CheckoutSessions.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sessionFromSDK(session), nil
}

// retrieveInvoice decodes the raw response so both invoice shapes are read
// the same way webhooks are.
func (p *Provider) retrieveInvoice(ctx context.Context, id string) (*invoice, error) {
	params := &stripe.InvoiceRetrieveParams{}
	params.AddExpand("payments")

	var inv *stripe.Invoice
	err := p.call(ctx, endpointInvoiceRetrieve, func(ctx context.Context) error {
		var err error
		inv, err = p.stripeClient.V1Invoices.Retrieve(ctx, id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if inv.LastResponse == nil || len(inv.LastResponse.RawJSON) == 0 {
		return nil, fmt.Errorf("%w: empty invoice response", billing.ErrGatewayUnavailable)
	}
	var out invoice
	if err := json.Unmarshal(inv.LastResponse.RawJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to decode invoice %s: %w", id, err)
	}
	return &out, nil
}

func (p *Provider) sessionForPaymentIntent(ctx context.Context, intent string) (string, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(intent)}
	params.Limit = stripe.Int64(1)

	id := ""
	err := p.call(ctx, endpointSessionList, func(ctx context.Context) error {
		for s, err := range p.stripeClient.V1CheckoutSessions.List(ctx, params) {
			if err != nil {
				return err
			}
			id = s.ID
			break
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: no checkout session for %s", billing.ErrPaymentNotFound, intent)
	}
	return id, nil
}

func (p *Provider) paymentIntentFor(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, prefixPaymentIntent):
		return ref, nil
	case strings.HasPrefix(ref, prefixSession):
		s, err := p.retrieveSession(ctx, ref)
		if err != nil {
			return "", err
		}
		if s.PaymentIntent != "" || s.Invoice == "" {
			return string(s.PaymentIntent), nil
		}
		// Subscription-mode sessions are paid through their first invoice.
		inv, err := p.retrieveInvoice(ctx, string(s.Invoice))
		if err != nil {
			return "", err
		}
		return inv.paymentIntentID(), nil
	case strings.HasPrefix(ref, prefixInvoice):
		inv, err := p.retrieveInvoice(ctx, ref)
		if err != nil {
			return "", err
		}
		return inv.paymentIntentID(), nil
	default:
		return "", fmt.Errorf("%w: unsupported stripe ref %q", billing.ErrInvalidWebhookPayload, ref)
	}
}

func sessionFromSDK(s *stripe.CheckoutSession) *checkoutSession {
	out := &checkoutSession{
		ID:                s.ID,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		AmountTotal:       s.AmountTotal,
		Currency:          string(s.Currency),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
		URL:               s.URL,
		Created:           s.Created,
	}
	if s.PaymentIntent != nil {
		out.PaymentIntent = expandableID(s.PaymentIntent.ID)
		if s.PaymentIntent.LatestCharge != nil {
			out.AmountRefunded = s.PaymentIntent.LatestCharge.AmountRefunded
		}
	}
	if s.Subscription != nil {
		out.Subscription = expandableID(s.Subscription.ID)
	}
	if s.Invoice != nil {
		out.Invoice = expandableID(s.Invoice.ID)
	}
	return out
}
