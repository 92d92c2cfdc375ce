package api

import (
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SubscriptionResponse is the live subscription of an account together with
// the current access decision.
type SubscriptionResponse struct {
	Subscription *billing.Subscription `json:"subscription"`
	Access       billing.Decision      `json:"access"`
}

// AccessResponse answers GET /v1/access/{account}.
type AccessResponse struct {
	AccountID string `json:"account_id"`
	billing.Decision
}

// LedgerResponse lists payments, newest first.
type LedgerResponse struct {
	AccountID string                    `json:"account_id,omitempty"`
	Payments  []*billing.PaymentAttempt `json:"payments"`
	Count     int                       `json:"count"`
}

// PaymentResponse is returned when a payment is started.
type PaymentResponse struct {
	ExternalPaymentRef string                `json:"external_payment_ref"`
	Status             billing.PaymentStatus `json:"status"`
	RedirectURL        string                `json:"redirect_url"`
	AmountMinorUnits   int64                 `json:"amount_minor_units"`
	Currency           string                `json:"currency"`
	CreatedAt          time.Time             `json:"created_at"`
}

// ResultResponse reports what an applied event changed.
type ResultResponse struct {
	Duplicate           bool                    `json:"duplicate"`
	PaymentChanged      bool                    `json:"payment_changed"`
	SubscriptionChanged bool                    `json:"subscription_changed"`
	Payment             *billing.PaymentAttempt `json:"payment,omitempty"`
	Subscription        *billing.Subscription   `json:"subscription,omitempty"`
}

// ErrorResponse is the default JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	// Retry is set when repeating the request later may succeed.
	Retry bool `json:"retry,omitempty"`
}

type createPaymentRequest struct {
	AccountID string       `json:"account_id" validate:"required,max=255,printascii"`
	Plan      billing.Plan `json:"plan" validate:"required,oneof=monthly yearly"`
}

type refundRequest struct {
	AmountMinorUnits int64 `json:"amount_minor_units" validate:"min=0"`
}

type accountParam struct {
	AccountID string `validate:"required,max=255,printascii"`
}

type refParam struct {
	Ref string `validate:"required,max=255,printascii"`
}

type paymentQuery struct {
	AccountID   string `validate:"omitempty,max=255,printascii"`
	Status      string `validate:"omitempty,oneof=pending succeeded failed refunded canceled"`
	Plan        string `validate:"omitempty,oneof=trial monthly yearly"`
	Limit       int    `validate:"min=0,max=1000"`
	IncludeTest bool
}
