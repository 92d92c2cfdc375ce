package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
)

// fakeStripe answers the handful of Stripe API routes the adapter calls.
type fakeStripe struct {
	mu       sync.Mutex
	forms    map[string]url.Values
	headers  map[string]http.Header
	routes   map[string]string
	statuses map[string]int
}

func newFakeStripe(t *testing.T) (*fakeStripe, *Provider) {
	t.Helper()
	f := &fakeStripe{
		forms:    make(map[string]url.Values),
		headers:  make(map[string]http.Header),
		routes:   make(map[string]string),
		statuses: make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)

	provider, err := NewProvider(Config{
		StripeAPIKey:      testStripeAPIKey,
		APIURL:            srv.URL,
		MaxNetworkRetries: stripe.Int64(0),
		SuccessURL:        "https://app.example.com/billing/done",
		CancelURL:         "https://app.example.com/billing",
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return f, provider
}

func (f *fakeStripe) on(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := method + " " + path
	f.routes[key] = body
	f.statuses[key] = status
}

func (f *fakeStripe) form(method, path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[method+" "+path]
}

func (f *fakeStripe) header(method, path string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[method+" "+path]
}

func (f *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	form := url.Values{}
	for k, v := range r.Form {
		form[k] = v
	}
	f.forms[key] = form
	f.headers[key] = r.Header.Clone()
	body, ok := f.routes[key]
	status := f.statuses[key]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","message":"No such route %s"}}`, key)
		return
	}
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

const sessionJSON = `{
	"id": "cs_test_1",
	"object": "checkout.session",
	"mode": "subscription",
	"status": "open",
	"payment_status": "unpaid",
	"amount_total": 29900,
	"currency": "czk",
	"client_reference_id": "acct-123",
	"metadata": {"account_id": "acct-123", "plan": "monthly"},
	"url": "https://checkout.stripe.com/c/pay/cs_test_1"
}`

func TestProvider_CreatePayment_Subscription(t *testing.T) {
	fake, provider := newFakeStripe(t)
	fake.on(http.MethodPost, "/v1/checkout/sessions", http.StatusOK, sessionJSON)

	gp, err := provider.CreatePayment(context.Background(), &billing.PaymentRequest{
		AccountID:        testAccountID,
		Email:            "user@example.com",
		Plan:             billing.PlanMonthly,
		AmountMinorUnits: 29900,
		Currency:         "CZK",
		Description:      "Premium monthly",
		Recurring:        true,
		OrderNumber:      "acct-123_1738317600000",
	})
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if gp.ExternalPaymentRef != "cs_test_1" || gp.Status != billing.PaymentPending {
		t.Errorf("Unexpected payment: %+v", gp)
	}
	if gp.RedirectURL != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("Expected checkout url, got %q", gp.RedirectURL)
	}

	form := fake.form(http.MethodPost, "/v1/checkout/sessions")
	expectations := []struct{ field, want string }{
		{"mode", "subscription"},
		{"client_reference_id", testAccountID},
		{"customer_email", "user@example.com"},
		{"metadata[account_id]", testAccountID},
		{"metadata[plan]", "monthly"},
		{"subscription_data[metadata][plan]", "monthly"},
		{"line_items[0][price_data][currency]", "czk"},
		{"line_items[0][price_data][unit_amount]", "29900"},
		{"line_items[0][price_data][recurring][interval]", "month"},
		{"success_url", "https://app.example.com/billing/done"},
		{"cancel_url", "https://app.example.com/billing"},
	}
	for _, e := range expectations {
		if got := form.Get(e.field); got != e.want {
			t.Errorf("Expected %s=%q, got %q", e.field, e.want, got)
		}
	}
	if key := fake.header(http.MethodPost, "/v1/checkout/sessions").Get("Idempotency-Key"); key != "acct-123_1738317600000" {
		t.Errorf("Expected order number as idempotency key, got %q", key)
	}
}

func TestProvider_CreatePayment_OneShot(t *testing.T) {
	fake, provider := newFakeStripe(t)
	fake.on(http.MethodPost, "/v1/checkout/sessions", http.StatusOK,
		strings.Replace(sessionJSON, `"mode": "subscription"`, `"mode": "payment"`, 1))

	_, err := provider.CreatePayment(context.Background(), &billing.PaymentRequest{
		AccountID:        testAccountID,
		Plan:             billing.PlanYearly,
		AmountMinorUnits: 299900,
		Currency:         "CZK",
		ReturnURL:        "https://app.example.com/account",
	})
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	form := fake.form(http.MethodPost, "/v1/checkout/sessions")
	if form.Get("mode") != "payment" {
		t.Errorf("Expected payment mode, got %q", form.Get("mode"))
	}
	if form.Get("line_items[0][price_data][recurring][interval]") != "" {
		t.Error("Expected no recurring price for a one-shot payment")
	}
	if form.Get("payment_intent_data[metadata][account_id]") != testAccountID {
		t.Error("Expected payment intent metadata")
	}
	if form.Get("success_url") != "https://app.example.com/account" {
		t.Errorf("Expected request return url, got %q", form.Get("success_url"))
	}
}

func TestProvider_CreatePayment_Errors(t *testing.T) {
	t.Run("rejected request", func(t *testing.T) {
		fake, provider := newFakeStripe(t)
		fake.on(http.MethodPost, "/v1/checkout/sessions", http.StatusBadRequest,
			`{"error":{"type":"invalid_request_error","message":"Invalid currency"}}`)

		_, err := provider.CreatePayment(context.Background(), &billing.PaymentRequest{AccountID: testAccountID, Currency: "XXX"})
		if !errors.Is(err, billing.ErrPaymentCreationFailed) {
			t.Errorf("Expected ErrPaymentCreationFailed, got %v", err)
		}
	})

	t.Run("stripe outage", func(t *testing.T) {
		fake, provider := newFakeStripe(t)
		fake.on(http.MethodPost, "/v1/checkout/sessions", http.StatusInternalServerError,
			`{"error":{"type":"api_error","message":"Something went wrong"}}`)

		_, err := provider.CreatePayment(context.Background(), &billing.PaymentRequest{AccountID: testAccountID})
		if !errors.Is(err, billing.ErrGatewayUnavailable) {
			t.Errorf("Expected ErrGatewayUnavailable, got %v", err)
		}
		if errors.Is(err, billing.ErrPaymentCreationFailed) {
			t.Error("An outage must not read as a rejection")
		}
	})
}

func TestProvider_GetPaymentStatus(t *testing.T) {
	fake, provider := newFakeStripe(t)
	ctx := context.Background()

	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_1", http.StatusOK, `{
		"id": "cs_test_1", "object": "checkout.session", "status": "complete", "payment_status": "paid",
		"amount_total": 299900, "currency": "czk", "metadata": {"account_id": "acct-123", "plan": "yearly"},
		"payment_intent": {"id": "pi_1", "object": "payment_intent",
			"latest_charge": {"id": "ch_1", "object": "charge", "amount_refunded": 0}}
	}`)
	fake.on(http.MethodGet, "/v1/invoices/in_1", http.StatusOK, `{
		"id": "in_1", "object": "invoice", "status": "paid", "billing_reason": "subscription_cycle",
		"amount_paid": 29900, "currency": "czk", "status_transitions": {"paid_at": 1738317600},
		"parent": {"type": "subscription_details", "subscription_details": {
			"subscription": "sub_1", "metadata": {"account_id": "acct-123", "plan": "monthly"}}}
	}`)
	fake.on(http.MethodGet, "/v1/checkout/sessions", http.StatusOK, `{
		"object": "list", "url": "/v1/checkout/sessions", "has_more": false,
		"data": [{"id": "cs_test_1", "object": "checkout.session"}]
	}`)

	t.Run("session", func(t *testing.T) {
		gp, err := provider.GetPaymentStatus(ctx, "cs_test_1")
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if gp.Status != billing.PaymentSucceeded || gp.Plan != billing.PlanYearly || gp.Currency != "CZK" {
			t.Errorf("Unexpected payment: %+v", gp)
		}
		if got := fake.form(http.MethodGet, "/v1/checkout/sessions/cs_test_1").Get("expand[0]"); got != "payment_intent.latest_charge" {
			t.Errorf("Expected latest charge expansion, got %q", got)
		}
	})

	t.Run("renewal invoice", func(t *testing.T) {
		gp, err := provider.GetPaymentStatus(ctx, "in_1")
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if gp.Status != billing.PaymentSucceeded || gp.ParentPaymentRef != "sub_1" || gp.AccountID != testAccountID {
			t.Errorf("Unexpected payment: %+v", gp)
		}
		if gp.OccurredAt.Unix() != 1738317600 {
			t.Errorf("Expected paid_at as OccurredAt, got %v", gp.OccurredAt)
		}
	})

	t.Run("payment intent resolves to its session", func(t *testing.T) {
		gp, err := provider.GetPaymentStatus(ctx, "pi_1")
		if err != nil {
			t.Fatalf("GetPaymentStatus failed: %v", err)
		}
		if gp.ExternalPaymentRef != "cs_test_1" {
			t.Errorf("Expected session ref, got %q", gp.ExternalPaymentRef)
		}
		if got := fake.form(http.MethodGet, "/v1/checkout/sessions").Get("payment_intent"); got != "pi_1" {
			t.Errorf("Expected list filtered by payment intent, got %q", got)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := provider.GetPaymentStatus(ctx, "cs_missing")
		if !errors.Is(err, billing.ErrPaymentNotFound) {
			t.Errorf("Expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("foreign ref", func(t *testing.T) {
		_, err := provider.GetPaymentStatus(ctx, "3000000001")
		if !errors.Is(err, billing.ErrInvalidWebhookPayload) {
			t.Errorf("Expected ErrInvalidWebhookPayload, got %v", err)
		}
	})
}

func TestProvider_Refund(t *testing.T) {
	fake, provider := newFakeStripe(t)
	ctx := context.Background()
	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_1", http.StatusOK, `{
		"id": "cs_test_1", "object": "checkout.session", "status": "complete", "payment_status": "paid",
		"payment_intent": "pi_1"
	}`)
	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_2", http.StatusOK, `{
		"id": "cs_test_2", "object": "checkout.session", "status": "complete", "payment_status": "paid",
		"subscription": "sub_1", "invoice": "in_first"
	}`)
	fake.on(http.MethodGet, "/v1/invoices/in_first", http.StatusOK, `{
		"id": "in_first", "object": "invoice", "status": "paid",
		"payments": {"object": "list", "data": [{"payment": {"type": "payment_intent", "payment_intent": "pi_2"}}]}
	}`)
	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_3", http.StatusOK, `{
		"id": "cs_test_3", "object": "checkout.session", "status": "complete", "payment_status": "no_payment_required"
	}`)
	fake.on(http.MethodPost, "/v1/refunds", http.StatusOK, `{"id": "re_1", "object": "refund", "status": "succeeded"}`)

	if err := provider.Refund(ctx, "cs_test_1", 10000); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	form := fake.form(http.MethodPost, "/v1/refunds")
	if form.Get("payment_intent") != "pi_1" || form.Get("amount") != "10000" {
		t.Errorf("Unexpected refund form: %v", form)
	}

	if err := provider.Refund(ctx, "cs_test_2", 0); err != nil {
		t.Fatalf("Refund of subscription session failed: %v", err)
	}
	form = fake.form(http.MethodPost, "/v1/refunds")
	if form.Get("payment_intent") != "pi_2" || form.Get("amount") != "" {
		t.Errorf("Expected full refund of the first invoice's intent, got %v", form)
	}

	if err := provider.Refund(ctx, "cs_test_3", 0); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
	if err := provider.Refund(ctx, "cs_test_1", -1); !errors.Is(err, billing.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestProvider_StopRecurrence(t *testing.T) {
	fake, provider := newFakeStripe(t)
	ctx := context.Background()
	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_2", http.StatusOK, `{
		"id": "cs_test_2", "object": "checkout.session", "status": "complete", "payment_status": "paid",
		"subscription": "sub_1"
	}`)
	fake.on(http.MethodGet, "/v1/checkout/sessions/cs_test_1", http.StatusOK, `{
		"id": "cs_test_1", "object": "checkout.session", "status": "complete", "payment_status": "paid"
	}`)
	fake.on(http.MethodPost, "/v1/subscriptions/sub_1", http.StatusOK, `{"id": "sub_1", "object": "subscription"}`)

	if err := provider.StopRecurrence(ctx, "cs_test_2"); err != nil {
		t.Fatalf("StopRecurrence failed: %v", err)
	}
	if got := fake.form(http.MethodPost, "/v1/subscriptions/sub_1").Get("cancel_at_period_end"); got != "true" {
		t.Errorf("Expected cancel_at_period_end=true, got %q", got)
	}

	if err := provider.StopRecurrence(ctx, "cs_test_1"); !errors.Is(err, gateway.ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported for a one-shot session, got %v", err)
	}
}
