package stripe

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []*billing.WebhookEvent
	err    error
}

func (q *recordingQueue) Enqueue(ev *billing.WebhookEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

var webhookNow = time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)

func newWebhookProvider(t *testing.T, queue gateway.EventQueue) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Config: gateway.Config{
			Queue: queue,
			Clock: billing.ClockFunc(func() time.Time { return webhookNow }),
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     webhookNow.Add(-time.Minute).Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestWebhook_Normalization(t *testing.T) {
	occurred := webhookNow.Add(-time.Minute)

	tests := []struct {
		name      string
		eventType string
		object    map[string]interface{}
		want      *billing.WebhookEvent
	}{
		{
			name:      "completed checkout",
			eventType: EventCheckoutCompleted,
			object: map[string]interface{}{
				"id": "cs_test_1", "object": "checkout.session", "status": "complete",
				"payment_status": "paid", "amount_total": 29900, "currency": "czk",
				"metadata": map[string]string{"account_id": testAccountID, "plan": "monthly"},
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "cs_test_1",
				ReportedStatus:     billing.PaymentSucceeded,
				RawStatus:          EventCheckoutCompleted,
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
				AccountID:          testAccountID,
				Plan:               billing.PlanMonthly,
				AmountMinorUnits:   29900,
				Currency:           "CZK",
			},
		},
		{
			name:      "delayed payment failed",
			eventType: EventCheckoutAsyncFailed,
			object: map[string]interface{}{
				"id": "cs_test_1", "object": "checkout.session", "status": "complete",
				"payment_status": "unpaid", "client_reference_id": testAccountID,
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "cs_test_1",
				ReportedStatus:     billing.PaymentFailed,
				RawStatus:          EventCheckoutAsyncFailed,
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
				AccountID:          testAccountID,
			},
		},
		{
			name:      "expired checkout",
			eventType: EventCheckoutExpired,
			object: map[string]interface{}{
				"id": "cs_test_1", "object": "checkout.session", "status": "expired", "payment_status": "unpaid",
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "cs_test_1",
				ReportedStatus:     billing.PaymentCanceled,
				RawStatus:          EventCheckoutExpired,
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
			},
		},
		{
			name:      "renewal invoice paid",
			eventType: EventInvoicePaid,
			object: map[string]interface{}{
				"id": "in_2", "object": "invoice", "status": "paid", "billing_reason": "subscription_cycle",
				"amount_paid": 29900, "currency": "czk",
				"parent": map[string]interface{}{
					"type": "subscription_details",
					"subscription_details": map[string]interface{}{
						"subscription": "sub_1",
						"metadata":     map[string]string{"account_id": testAccountID, "plan": "monthly"},
					},
				},
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "in_2",
				ParentPaymentRef:   "sub_1",
				ReportedStatus:     billing.PaymentSucceeded,
				RawStatus:          EventInvoicePaid,
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
				AccountID:          testAccountID,
				Plan:               billing.PlanMonthly,
				AmountMinorUnits:   29900,
				Currency:           "CZK",
			},
		},
		{
			name:      "renewal invoice failed",
			eventType: EventInvoicePaymentFailed,
			object: map[string]interface{}{
				"id": "in_3", "object": "invoice", "status": "open", "billing_reason": "subscription_cycle",
				"amount_due": 29900, "currency": "czk", "subscription": "sub_1",
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "in_3",
				ParentPaymentRef:   "sub_1",
				ReportedStatus:     billing.PaymentFailed,
				RawStatus:          EventInvoicePaymentFailed,
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
				AmountMinorUnits:   29900,
				Currency:           "CZK",
			},
		},
		{
			name:      "refund is resolved later",
			eventType: EventChargeRefunded,
			object: map[string]interface{}{
				"id": "ch_1", "object": "charge", "payment_intent": "pi_1",
				"refunded": true, "amount_refunded": 299900, "currency": "czk",
			},
			want: &billing.WebhookEvent{
				ExternalEventID:    "evt_1",
				Gateway:            "stripe",
				ExternalPaymentRef: "pi_1",
				OccurredAt:         occurred,
				ReceivedAt:         webhookNow,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &recordingQueue{}
			provider := newWebhookProvider(t, queue)

			w := httptest.NewRecorder()
			provider.WebhookHandler().ServeHTTP(w, signedRequest(eventPayload(t, "evt_1", tt.eventType, tt.object), testStripeWebhookSecret))

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
			}
			if len(queue.events) != 1 {
				t.Fatalf("Expected 1 queued event, got %d", len(queue.events))
			}
			got := queue.events[0]
			if !got.OccurredAt.Equal(tt.want.OccurredAt) {
				t.Errorf("OccurredAt: expected %v, got %v", tt.want.OccurredAt, got.OccurredAt)
			}
			got.OccurredAt = tt.want.OccurredAt
			if *got != *tt.want {
				t.Errorf("Expected %+v, got %+v", *tt.want, *got)
			}
		})
	}
}

func TestWebhook_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    map[string]interface{}
	}{
		{
			name:      "first invoice is reported by its checkout session",
			eventType: EventInvoicePaid,
			object: map[string]interface{}{
				"id": "in_1", "object": "invoice", "status": "paid",
				"billing_reason": "subscription_create", "subscription": "sub_1",
			},
		},
		{
			name:      "one-off invoice",
			eventType: EventInvoicePaid,
			object:    map[string]interface{}{"id": "in_9", "object": "invoice", "status": "paid", "billing_reason": "manual"},
		},
		{
			name:      "checkout awaiting a delayed payment",
			eventType: EventCheckoutCompleted,
			object: map[string]interface{}{
				"id": "cs_test_1", "object": "checkout.session", "status": "complete", "payment_status": "unpaid",
			},
		},
		{
			name:      "unrelated event type",
			eventType: "customer.created",
			object:    map[string]interface{}{"id": "cus_1", "object": "customer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &recordingQueue{}
			provider := newWebhookProvider(t, queue)

			w := httptest.NewRecorder()
			provider.WebhookHandler().ServeHTTP(w, signedRequest(eventPayload(t, "evt_2", tt.eventType, tt.object), testStripeWebhookSecret))

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}
			if len(queue.events) != 0 {
				t.Errorf("Expected no queued events, got %d", len(queue.events))
			}
		})
	}
}

func TestWebhook_Rejections(t *testing.T) {
	validPayload := func(t *testing.T) []byte {
		return eventPayload(t, "evt_3", EventCheckoutExpired, map[string]interface{}{
			"id": "cs_test_1", "object": "checkout.session", "status": "expired",
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		provider := newWebhookProvider(t, &recordingQueue{})
		w := httptest.NewRecorder()
		provider.handleWebhook(w, httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
		}
	})

	t.Run("no secret configured", func(t *testing.T) {
		provider, err := NewProvider(Config{
			Config:       gateway.Config{Queue: &recordingQueue{}},
			StripeAPIKey: testStripeAPIKey,
		})
		if err != nil {
			t.Fatalf("Failed to create provider: %v", err)
		}
		w := httptest.NewRecorder()
		provider.handleWebhook(w, httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		queue := &recordingQueue{}
		provider := newWebhookProvider(t, queue)
		w := httptest.NewRecorder()
		provider.handleWebhook(w, signedRequest(validPayload(t), "whsec_wrong"))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
		}
		if len(queue.events) != 0 {
			t.Error("Expected nothing queued for a forged event")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		provider := newWebhookProvider(t, &recordingQueue{})
		w := httptest.NewRecorder()
		provider.handleWebhook(w, httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		provider := newWebhookProvider(t, &recordingQueue{})
		w := httptest.NewRecorder()
		big := bytes.Repeat([]byte("a"), maxWebhookBytes+1)
		provider.handleWebhook(w, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(big)))
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("Expected status %d, got %d", http.StatusRequestEntityTooLarge, w.Code)
		}
	})

	t.Run("queue full asks for redelivery", func(t *testing.T) {
		provider := newWebhookProvider(t, &recordingQueue{err: billing.ErrQueueFull})
		w := httptest.NewRecorder()
		provider.handleWebhook(w, signedRequest(validPayload(t), testStripeWebhookSecret))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}
	})
}
