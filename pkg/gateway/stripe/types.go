package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Stripe object states used for mapping
const (
	sessionStatusOpen     = "open"
	sessionStatusComplete = "complete"
	sessionStatusExpired  = "expired"

	sessionPaid              = "paid"
	sessionUnpaid            = "unpaid"
	sessionNoPaymentRequired = "no_payment_required"

	invoiceStatusDraft         = "draft"
	invoiceStatusOpen          = "open"
	invoiceStatusPaid          = "paid"
	invoiceStatusUncollectible = "uncollectible"
	invoiceStatusVoid          = "void"

	billingReasonSubscriptionCreate = "subscription_create"
)

// Reference prefixes Stripe puts on object ids
const (
	prefixSession       = "cs_"
	prefixInvoice       = "in_"
	prefixPaymentIntent = "pi_"
	prefixSubscription  = "sub_"
)

// expandableID decodes a field Stripe sends either as an id or as the
// expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// checkoutSession is the subset of a Checkout Session the adapter reads.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	Subscription      expandableID      `json:"subscription"`
	Invoice           expandableID      `json:"invoice"`
	URL               string            `json:"url"`
	Created           int64             `json:"created"`

	// Only set when the payment intent's latest charge is expanded.
	AmountRefunded int64 `json:"-"`
}

type subscriptionDetails struct {
	Metadata     map[string]string `json:"metadata"`
	Subscription expandableID      `json:"subscription"`
}

// invoice covers both invoice shapes: the subscription and payment intent
// fields moved under parent and payments in newer API versions.
type invoice struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	BillingReason     string       `json:"billing_reason"`
	AmountDue         int64        `json:"amount_due"`
	AmountPaid        int64        `json:"amount_paid"`
	Currency          string       `json:"currency"`
	Created           int64        `json:"created"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`

	Subscription        expandableID         `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	PaymentIntent       expandableID         `json:"payment_intent"`

	Parent *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

// charge is the subset of a Charge read from charge.refunded events.
type charge struct {
	ID             string       `json:"id"`
	PaymentIntent  expandableID `json:"payment_intent"`
	Refunded       bool         `json:"refunded"`
	AmountRefunded int64        `json:"amount_refunded"`
	Currency       string       `json:"currency"`
}

// MapSessionStatus maps a Checkout Session's status pair to a ledger status.
// Unknown combinations fail closed with billing.ErrUnknownTransition.
func MapSessionStatus(status, paymentStatus string) (billing.PaymentStatus, error) {
	switch status {
	case sessionStatusExpired:
		return billing.PaymentCanceled, nil
	case sessionStatusOpen:
		return billing.PaymentPending, nil
	case sessionStatusComplete:
		switch paymentStatus {
		case sessionPaid, sessionNoPaymentRequired:
			return billing.PaymentSucceeded, nil
		case sessionUnpaid:
			// Delayed payment methods settle later.
			return billing.PaymentPending, nil
		}
	}
	return "", fmt.Errorf("%w: stripe session %s/%s", billing.ErrUnknownTransition, status, paymentStatus)
}

// MapInvoiceStatus maps an invoice status to a ledger status.
func MapInvoiceStatus(status string) (billing.PaymentStatus, error) {
	switch status {
	case invoiceStatusDraft, invoiceStatusOpen:
		return billing.PaymentPending, nil
	case invoiceStatusPaid:
		return billing.PaymentSucceeded, nil
	case invoiceStatusUncollectible:
		return billing.PaymentFailed, nil
	case invoiceStatusVoid:
		return billing.PaymentCanceled, nil
	default:
		return "", fmt.Errorf("%w: stripe invoice %q", billing.ErrUnknownTransition, status)
	}
}

func (s *checkoutSession) toGatewayPayment() (*billing.GatewayPayment, error) {
	status, err := MapSessionStatus(s.Status, s.PaymentStatus)
	if err != nil {
		return nil, err
	}
	raw := s.Status + "/" + s.PaymentStatus
	gp := &billing.GatewayPayment{
		ExternalPaymentRef: s.ID,
		Status:             status,
		RawStatus:          raw,
		RedirectURL:        s.URL,
		AccountID:          s.Metadata[metadataAccountID],
		Plan:               billing.Plan(s.Metadata[metadataPlan]),
		AmountMinorUnits:   s.AmountTotal,
		Currency:           strings.ToUpper(s.Currency),
	}
	if gp.AccountID == "" {
		gp.AccountID = s.ClientReferenceID
	}
	if status == billing.PaymentSucceeded && s.AmountRefunded > 0 {
		gp.Status = billing.PaymentRefunded
		gp.RawStatus = "refunded"
		gp.RefundedMinorUnits = s.AmountRefunded
	}
	return gp, nil
}

func (inv *invoice) subscriptionDetails() *subscriptionDetails {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

// subscriptionID returns the Stripe subscription the invoice renews.
func (inv *invoice) subscriptionID() string {
	if d := inv.subscriptionDetails(); d != nil && d.Subscription != "" {
		return string(d.Subscription)
	}
	return string(inv.Subscription)
}

func (inv *invoice) metadata(key string) string {
	if d := inv.subscriptionDetails(); d != nil {
		return d.Metadata[key]
	}
	return ""
}

// paymentIntentID returns the intent that paid the invoice, if any.
func (inv *invoice) paymentIntentID() string {
	if inv.Payments != nil {
		for _, p := range inv.Payments.Data {
			if p.Payment.PaymentIntent != "" {
				return string(p.Payment.PaymentIntent)
			}
		}
	}
	return string(inv.PaymentIntent)
}

func (inv *invoice) amount() int64 {
	if inv.AmountPaid > 0 {
		return inv.AmountPaid
	}
	return inv.AmountDue
}

func (inv *invoice) toGatewayPayment() (*billing.GatewayPayment, error) {
	status, err := MapInvoiceStatus(inv.Status)
	if err != nil {
		return nil, err
	}
	gp := &billing.GatewayPayment{
		ExternalPaymentRef: inv.ID,
		ParentPaymentRef:   inv.subscriptionID(),
		Status:             status,
		RawStatus:          inv.Status,
		AccountID:          inv.metadata(metadataAccountID),
		Plan:               billing.Plan(inv.metadata(metadataPlan)),
		AmountMinorUnits:   inv.amount(),
		Currency:           strings.ToUpper(inv.Currency),
	}
	if inv.StatusTransitions.PaidAt > 0 {
		gp.OccurredAt = time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
	}
	return gp, nil
}
