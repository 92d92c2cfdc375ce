package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

// Accept enqueues a normalized notification and writes the response the gateway
// expects: 200 once queued, 503 when the queue is full so the gateway redelivers.
func Accept(w http.ResponseWriter, cfg Config, provider, eventType string, ev *billing.WebhookEvent, start time.Time) {
	err := cfg.Queue.Enqueue(ev)
	if err != nil {
		status := "error"
		if errors.Is(err, billing.ErrQueueFull) {
			status = "queue_full"
		}
		cfg.Metrics.RecordWebhookError(provider, status)
		cfg.Metrics.RecordWebhookEvent(provider, eventType, "rejected")
		cfg.Logger.Warn("webhook not queued",
			billing.Field{Key: "gateway", Value: provider},
			billing.Field{Key: "payment_ref", Value: ev.ExternalPaymentRef},
			billing.Field{Key: "error", Value: err},
		)
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	//nolint:errcheck // Response is best effort once the event is queued
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	cfg.Metrics.RecordWebhookEvent(provider, eventType, "accepted")
	cfg.Metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
}
