package gateway

import "time"

// Metrics defines the interface for tracking gateway operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a notification received from the gateway.
	// status: "accepted", "rejected" or "ignored"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to accept a notification.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook error.
	// errorType: e.g. "auth_failed", "invalid_payload", "queue_full"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the gateway.
	// endpoint: The API endpoint called (e.g., "/payments/payment")
	// status: HTTP status code as string, or "error" for transport failures
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordTokenRefresh records an OAuth2 token fetch. status: "success" or "error"
	RecordTokenRefresh(provider, scope, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordTokenRefresh(_, _, _ string)                            {}
