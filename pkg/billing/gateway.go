package billing

import (
	"context"
	"time"
)

// PaymentRequest asks a gateway to start a payment for a plan.
type PaymentRequest struct {
	AccountID        string
	Email            string
	Plan             Plan
	AmountMinorUnits int64
	Currency         string
	Description      string
	// Recurring requests a recurring charge (fixed monthly interval, open end date).
	Recurring bool
	// OrderNumber is the caller's idempotency key for this attempt.
	OrderNumber string
	ReturnURL   string
}

// GatewayPayment is the gateway's view of one payment.
type GatewayPayment struct {
	ExternalPaymentRef string
	ParentPaymentRef   string
	Status             PaymentStatus
	RawStatus          string
	RedirectURL        string
	AccountID          string
	Plan               Plan
	AmountMinorUnits   int64
	Currency           string
	RefundedMinorUnits int64
	// OccurredAt is when the gateway last changed the payment, if it reports it.
	OccurredAt time.Time
}

// Gateway is the adapter contract every payment gateway implements.
// Calls must be bounded by a timeout; implementations return ErrGatewayUnavailable
// for transient failures and ErrPaymentCreationFailed when a payment is rejected.
type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, req *PaymentRequest) (*GatewayPayment, error)
	GetPaymentStatus(ctx context.Context, ref string) (*GatewayPayment, error)
	// Refund refunds amountMinorUnits of a payment; 0 refunds everything.
	Refund(ctx context.Context, ref string, amountMinorUnits int64) error
	// StopRecurrence stops future charges of a recurring payment.
	StopRecurrence(ctx context.Context, ref string) error
}
