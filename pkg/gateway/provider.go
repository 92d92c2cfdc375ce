package gateway

import (
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Provider is a payment gateway that also receives the gateway's notifications.
// This allows the application to swap GoPay for Stripe with zero logic changes.
type Provider interface {
	billing.Gateway

	// WebhookHandler returns the HTTP handler for the gateway's notifications.
	// It authenticates the request, normalizes it into a billing.WebhookEvent,
	// enqueues it and answers without waiting for reconciliation.
	WebhookHandler() http.Handler
}

// EventQueue accepts normalized notifications for asynchronous reconciliation.
// billing.Dispatcher implements it.
type EventQueue interface {
	Enqueue(ev *billing.WebhookEvent) error
}
