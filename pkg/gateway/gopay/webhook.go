package gopay

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

// handleWebhook accepts GET /?id=<payment>[&parent_id=<parent>]&token=<secret>.
// The notification carries no state; it is enqueued for enrichment.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.config.Queue == nil {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	if secret := p.config.WebhookSecret; secret != "" {
		if subtle.ConstantTimeCompare([]byte(q.Get(notificationTokenParam)), []byte(secret)) != 1 {
			p.config.Metrics.RecordWebhookError(providerName, "auth_failed")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	id := q.Get(notificationIDParam)
	if _, err := parseRef(id); err != nil {
		p.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "missing or invalid payment id", http.StatusBadRequest)
		return
	}
	parent := q.Get(notificationParentParam)
	eventType := webhookEventPayment
	if parent != "" {
		if _, err := parseRef(parent); err != nil {
			p.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
			http.Error(w, "invalid parent id", http.StatusBadRequest)
			return
		}
		eventType = webhookEventRecurrence
	}

	ev := &billing.WebhookEvent{
		Gateway:            providerName,
		ExternalPaymentRef: id,
		ParentPaymentRef:   parent,
		ReceivedAt:         p.config.Clock.Now(),
	}
	gateway.Accept(w, p.config.Config, providerName, eventType, ev, start)
}
