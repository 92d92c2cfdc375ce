package billing

import "errors"

var (
	// ErrGatewayUnavailable is returned when the payment gateway cannot be reached
	// (token fetch exhausted its retries, timeout, or the circuit is open)
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrPaymentCreationFailed is returned when the gateway rejects a new payment.
	// It is never retried automatically; callers retry with a fresh order.
	ErrPaymentCreationFailed = errors.New("payment creation failed")

	// ErrReconciliationConflict is returned when an event could not be applied
	// after exhausting optimistic-concurrency retries
	ErrReconciliationConflict = errors.New("reconciliation conflict")

	// ErrInvalidWebhookSignature is returned when a notification fails authentication
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrUnknownTransition is returned when a requested state change is not in the allowed table
	ErrUnknownTransition = errors.New("unknown transition")

	// ErrInvalidWebhookPayload is returned when a notification cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrSubscriptionNotFound is returned when an account has no subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionExists is returned when provisioning an account that already has one
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrPaymentNotFound is returned when the ledger has no such payment
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrUnknownPayment is returned when a notification references a payment
	// that is not in the ledger and carries no owner hints
	ErrUnknownPayment = errors.New("unknown payment")

	// ErrVersionConflict is returned by storage when a compare-and-swap loses
	ErrVersionConflict = errors.New("version conflict")

	// ErrStatusConflict is returned by storage when a payment's status changed underneath a write
	ErrStatusConflict = errors.New("payment status conflict")

	// ErrInvalidPlan is returned for unknown or unpurchasable plans
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidAmount is returned for negative or oversized refund amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrQueueFull is returned when the reconciliation queue cannot accept more events
	ErrQueueFull = errors.New("reconciliation queue full")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
