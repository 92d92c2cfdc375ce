package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/reporting"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testAccountID  = "acct-123"
	testAdminToken = "admin-secret"
)

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// stubGateway is a minimal billing.Gateway.
type stubGateway struct {
	mu        sync.Mutex
	seq       int
	createErr error
	statuses  map[string]*billing.GatewayPayment
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) CreatePayment(_ context.Context, req *billing.PaymentRequest) (*billing.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	gp := &billing.GatewayPayment{
		ExternalPaymentRef: fmt.Sprintf("pay-%d", g.seq),
		Status:             billing.PaymentPending,
		RawStatus:          "CREATED",
		RedirectURL:        fmt.Sprintf("https://gate.example/pay-%d", g.seq),
		AccountID:          req.AccountID,
		Plan:               req.Plan,
		AmountMinorUnits:   req.AmountMinorUnits,
		Currency:           req.Currency,
	}
	g.statuses[gp.ExternalPaymentRef] = gp
	c := *gp
	return &c, nil
}

func (g *stubGateway) GetPaymentStatus(_ context.Context, ref string) (*billing.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gp, ok := g.statuses[ref]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	c := *gp
	return &c, nil
}

func (g *stubGateway) Refund(context.Context, string, int64) error { return nil }

func (g *stubGateway) StopRecurrence(context.Context, string) error { return nil }

func (g *stubGateway) settle(ref string, status billing.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref].Status = status
	g.statuses[ref].OccurredAt = testNow
}

type testEnv struct {
	storage *memory.Storage
	gateway *stubGateway
	service *billing.Service
	handler *Handler
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	clock := billing.ClockFunc(func() time.Time { return testNow })
	env := &testEnv{
		storage: memory.New(),
		gateway: &stubGateway{statuses: make(map[string]*billing.GatewayPayment)},
	}
	svc, err := billing.New(&billing.Config{
		Storage: env.storage,
		Gateway: env.gateway,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	env.service = svc

	reports, err := reporting.NewEngine(env.storage, reporting.Config{Clock: clock})
	if err != nil {
		t.Fatalf("Failed to create reporting engine: %v", err)
	}
	cfg := Config{
		Service:    svc,
		Reports:    reports,
		AdminToken: testAdminToken,
		Clock:      clock,
	}
	if configure != nil {
		configure(&cfg)
	}
	env.handler, err = NewHandler(cfg)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return env
}

func (e *testEnv) do(method, target, body string, admin bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// pay provisions the account, starts a monthly payment and settles it.
func (e *testEnv) pay(t *testing.T, accountID string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := e.service.Provision(ctx, accountID); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	attempt, err := e.service.CreatePayment(ctx, accountID, billing.PlanMonthly)
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	_, err = e.service.Processor().Apply(ctx, &billing.WebhookEvent{
		Gateway:            "stub",
		ExternalPaymentRef: attempt.ExternalPaymentRef,
		ReportedStatus:     billing.PaymentSucceeded,
		OccurredAt:         testNow,
		ReceivedAt:         testNow,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return attempt.ExternalPaymentRef
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (%s)", err, w.Body.String())
	}
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for missing service")
	}
}

func TestHandler_ProvisionAndGetSubscription(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/v1/subscriptions/"+testAccountID, "", false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before provisioning, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/v1/subscriptions/"+testAccountID, "", false)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created billing.Subscription
	decodeBody(t, w, &created)
	if created.State != billing.StateTrialing {
		t.Errorf("Expected trialing, got %s", created.State)
	}

	w = env.do(http.MethodPost, "/v1/subscriptions/"+testAccountID, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on repeated provisioning, got %d", w.Code)
	}
	var again billing.Subscription
	decodeBody(t, w, &again)
	if again.ID != created.ID {
		t.Errorf("Expected existing subscription %s, got %s", created.ID, again.ID)
	}

	w = env.do(http.MethodGet, "/v1/subscriptions/"+testAccountID, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp SubscriptionResponse
	decodeBody(t, w, &resp)
	if resp.Subscription == nil || resp.Subscription.AccountID != testAccountID {
		t.Fatalf("Unexpected subscription: %+v", resp.Subscription)
	}
	if !resp.Access.Allowed {
		t.Error("Expected a trial to grant access")
	}
	if resp.Access.AccessUntil == nil || !resp.Access.AccessUntil.Equal(created.TrialEndsAt) {
		t.Errorf("Expected access until %s, got %v", created.TrialEndsAt, resp.Access.AccessUntil)
	}
}

func TestHandler_GetAccess(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/v1/access/unknown", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var denied AccessResponse
	decodeBody(t, w, &denied)
	if denied.Allowed || !denied.UpgradeRequired {
		t.Errorf("Expected denial with upgrade hint, got %+v", denied)
	}

	env.pay(t, testAccountID)
	w = env.do(http.MethodGet, "/v1/access/"+testAccountID, "", false)
	var granted AccessResponse
	decodeBody(t, w, &granted)
	if !granted.Allowed || granted.State != billing.StateActive {
		t.Errorf("Expected active access, got %+v", granted)
	}
	if granted.AccountID != testAccountID {
		t.Errorf("Expected account %s, got %s", testAccountID, granted.AccountID)
	}
}

func TestHandler_InvalidAccountID(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/v1/access/"+strings.Repeat("a", 256), "", false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized account id, got %d", w.Code)
	}
}

func TestHandler_CreatePayment(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/v1/payments", `{"account_id":"acct-123","plan":"monthly"}`, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp PaymentResponse
	decodeBody(t, w, &resp)
	if resp.ExternalPaymentRef != "pay-1" {
		t.Errorf("Expected ref pay-1, got %s", resp.ExternalPaymentRef)
	}
	if resp.Status != billing.PaymentPending {
		t.Errorf("Expected pending, got %s", resp.Status)
	}
	if resp.RedirectURL != "https://gate.example/pay-1" {
		t.Errorf("Unexpected redirect %s", resp.RedirectURL)
	}
	if resp.AmountMinorUnits != 29900 || resp.Currency != "CZK" {
		t.Errorf("Expected 29900 CZK, got %d %s", resp.AmountMinorUnits, resp.Currency)
	}

	w = env.do(http.MethodGet, "/v1/ledger/"+testAccountID, "", false)
	var ledger LedgerResponse
	decodeBody(t, w, &ledger)
	if ledger.Count != 1 || ledger.Payments[0].Status != billing.PaymentPending {
		t.Errorf("Expected one pending payment in ledger, got %+v", ledger)
	}
}

func TestHandler_CreatePayment_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
		wantRetry  bool
	}{
		{"trial is not purchasable", `{"account_id":"a","plan":"trial"}`, nil, http.StatusBadRequest, false},
		{"missing account", `{"plan":"monthly"}`, nil, http.StatusBadRequest, false},
		{"unknown field", `{"account_id":"a","plan":"monthly","coupon":"x"}`, nil, http.StatusBadRequest, false},
		{"malformed", `{"account_id":`, nil, http.StatusBadRequest, false},
		{"gateway rejected", `{"account_id":"a","plan":"monthly"}`,
			fmt.Errorf("%w: declined", billing.ErrPaymentCreationFailed), http.StatusBadGateway, true},
		{"gateway down", `{"account_id":"a","plan":"yearly"}`,
			billing.ErrGatewayUnavailable, http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.gateway.createErr = tt.createErr

			w := env.do(http.MethodPost, "/v1/payments", tt.body, false)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			decodeBody(t, w, &resp)
			if resp.Retry != tt.wantRetry {
				t.Errorf("Expected retry=%v, got %v", tt.wantRetry, resp.Retry)
			}
			if got := w.Header().Get("Retry-After"); tt.wantRetry && got != "30" {
				t.Errorf("Expected Retry-After 30, got %q", got)
			}
		})
	}
}

func TestHandler_CancelSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pay(t, testAccountID)

	w := env.do(http.MethodPost, "/v1/subscriptions/"+testAccountID+"/cancel", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sub billing.Subscription
	decodeBody(t, w, &sub)
	if !sub.CancelAtPeriodEnd || sub.State != billing.StateActive {
		t.Errorf("Expected active with cancel_at_period_end, got %s %v", sub.State, sub.CancelAtPeriodEnd)
	}

	w = env.do(http.MethodPost, "/v1/subscriptions/nobody/cancel", "", false)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown account, got %d", w.Code)
	}
}

func TestHandler_AdminAuth(t *testing.T) {
	t.Run("disabled without token", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.AdminToken = "" })
		w := env.do(http.MethodGet, "/v1/admin/summary", "", true)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", w.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/summary", http.NoBody)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t, nil)
		w := env.do(http.MethodGet, "/v1/admin/payments", "", false)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", w.Code)
		}
	})
}

func TestHandler_GetSummary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pay(t, testAccountID)

	w := env.do(http.MethodGet, "/v1/admin/summary?from=2025-03-01&to=2025-03-31", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var s reporting.Summary
	decodeBody(t, w, &s)
	if s.Revenue != 29900 {
		t.Errorf("Expected revenue 29900, got %d", s.Revenue)
	}
	if s.MRR != 29900 || s.ARR != 29900*12 {
		t.Errorf("Expected MRR 29900 and ARR %d, got %d and %d", 29900*12, s.MRR, s.ARR)
	}
	if s.NewSubscriptions != 1 {
		t.Errorf("Expected one new subscription, got %d", s.NewSubscriptions)
	}

	w = env.do(http.MethodGet, "/v1/admin/summary?from=2025-04-01&to=2025-03-01", "", true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for inverted window, got %d", w.Code)
	}

	env = newTestEnv(t, func(c *Config) { c.Reports = nil })
	w = env.do(http.MethodGet, "/v1/admin/summary", "", true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without reporting, got %d", w.Code)
	}
}

func TestHandler_ListPayments(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pay(t, testAccountID)
	if _, err := env.service.CreatePayment(context.Background(), "acct-456", billing.PlanYearly); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"all", "", http.StatusOK, 2},
		{"by status", "?status=succeeded", http.StatusOK, 1},
		{"by account", "?account=acct-456", http.StatusOK, 1},
		{"by plan", "?plan=yearly", http.StatusOK, 1},
		{"limited", "?limit=1", http.StatusOK, 1},
		{"window before everything", "?from=2025-01-01&to=2025-01-31", http.StatusOK, 0},
		{"invalid status", "?status=paid", http.StatusBadRequest, 0},
		{"invalid limit", "?limit=abc", http.StatusBadRequest, 0},
		{"limit too large", "?limit=5000", http.StatusBadRequest, 0},
		{"invalid include_test", "?include_test=maybe", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/v1/admin/payments"+tt.query, "", true)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp LedgerResponse
			decodeBody(t, w, &resp)
			if resp.Count != tt.wantCount || len(resp.Payments) != tt.wantCount {
				t.Errorf("Expected %d payments, got %d", tt.wantCount, resp.Count)
			}
		})
	}
}

func TestHandler_RefundPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	ref := env.pay(t, testAccountID)

	w := env.do(http.MethodPost, "/v1/admin/payments/"+ref+"/refund", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ResultResponse
	decodeBody(t, w, &res)
	if res.Payment == nil || res.Payment.Status != billing.PaymentRefunded {
		t.Fatalf("Expected refunded payment, got %+v", res.Payment)
	}
	if res.Subscription == nil || res.Subscription.State != billing.StateCanceled {
		t.Errorf("Expected refund to cancel the subscription, got %+v", res.Subscription)
	}

	w = env.do(http.MethodPost, "/v1/admin/payments/"+ref+"/refund", "", true)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 refunding twice, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/v1/admin/payments/missing/refund", `{"amount_minor_units":100}`, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown payment, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/v1/admin/payments/"+ref+"/refund", `{"amount_minor_units":-1}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative amount, got %d", w.Code)
	}
}

func TestHandler_ReconcilePayment(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.service.Provision(context.Background(), testAccountID); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	attempt, err := env.service.CreatePayment(context.Background(), testAccountID, billing.PlanMonthly)
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	env.gateway.settle(attempt.ExternalPaymentRef, billing.PaymentSucceeded)

	w := env.do(http.MethodPost, "/v1/admin/payments/"+attempt.ExternalPaymentRef+"/reconcile", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res ResultResponse
	decodeBody(t, w, &res)
	if !res.PaymentChanged || !res.SubscriptionChanged {
		t.Errorf("Expected payment and subscription to change, got %+v", res)
	}
	if res.Subscription == nil || res.Subscription.State != billing.StateActive {
		t.Errorf("Expected active subscription, got %+v", res.Subscription)
	}
}

func TestHandler_OnError(t *testing.T) {
	var got error
	env := newTestEnv(t, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	w := env.do(http.MethodGet, "/v1/subscriptions/nobody", "", false)
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected custom status, got %d", w.Code)
	}
	if !errors.Is(got, billing.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{billing.ErrSubscriptionNotFound, http.StatusNotFound, false},
		{fmt.Errorf("lookup: %w", billing.ErrPaymentNotFound), http.StatusNotFound, false},
		{billing.ErrInvalidPlan, http.StatusBadRequest, false},
		{reporting.ErrInvalidWindow, http.StatusBadRequest, false},
		{billing.ErrUnknownTransition, http.StatusConflict, false},
		{billing.ErrReconciliationConflict, http.StatusConflict, false},
		{fmt.Errorf("%w: stripe", gateway.ErrNotSupported), http.StatusUnprocessableEntity, false},
		{billing.ErrPaymentCreationFailed, http.StatusBadGateway, true},
		{billing.ErrGatewayUnavailable, http.StatusServiceUnavailable, true},
		{billing.ErrCircuitOpen, http.StatusServiceUnavailable, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, retry := StatusFor(tt.err)
			if status != tt.wantStatus || retry != tt.wantRetry {
				t.Errorf("StatusFor(%v) = %d, %v; want %d, %v", tt.err, status, retry, tt.wantStatus, tt.wantRetry)
			}
		})
	}
}

func TestHandler_InternalErrorHidesDetails(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/x", http.NoBody)
	w := httptest.NewRecorder()
	env.handler.handleError(w, req, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("10.0.0.5")) {
		t.Errorf("Internal error details leaked: %s", w.Body.String())
	}
}
