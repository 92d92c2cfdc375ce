package gopay

import (
	"fmt"
	"strconv"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// GoPay payment states
const (
	StateCreated             = "CREATED"
	StatePaymentMethodChosen = "PAYMENT_METHOD_CHOSEN"
	StateAuthorized          = "AUTHORIZED"
	StatePaid                = "PAID"
	StateCanceled            = "CANCELED"
	StateTimeouted           = "TIMEOUTED"
	StateRefunded            = "REFUNDED"
	StatePartiallyRefunded   = "PARTIALLY_REFUNDED"
)

const (
	paramAccountID        = "account_id"
	paramPlan             = "plan"
	recurrenceCycleMonth  = "MONTH"
	recurrenceOpenEnd     = "2099-12-31"
	instrumentPaymentCard = "PAYMENT_CARD"
	instrumentBankAccount = "BANK_ACCOUNT"
	targetTypeAccount     = "ACCOUNT"
	scopePaymentCreate    = "payment-create"
	scopePaymentAll       = "payment-all"
	refundFinished        = "FINISHED"
)

// MapState maps a GoPay payment state to a ledger status. Unknown states
// fail closed with billing.ErrUnknownTransition.
func MapState(state string) (billing.PaymentStatus, error) {
	switch state {
	case StateCreated, StatePaymentMethodChosen, StateAuthorized:
		return billing.PaymentPending, nil
	case StatePaid:
		return billing.PaymentSucceeded, nil
	case StateCanceled:
		return billing.PaymentCanceled, nil
	case StateTimeouted:
		return billing.PaymentFailed, nil
	case StateRefunded, StatePartiallyRefunded:
		return billing.PaymentRefunded, nil
	default:
		return "", fmt.Errorf("%w: gopay state %q", billing.ErrUnknownTransition, state)
	}
}

type contact struct {
	Email string `json:"email,omitempty"`
}

type payer struct {
	DefaultPaymentInstrument  string   `json:"default_payment_instrument"`
	AllowedPaymentInstruments []string `json:"allowed_payment_instruments"`
	Contact                   contact  `json:"contact"`
}

type target struct {
	Type string `json:"type"`
	GoID int64  `json:"goid"`
}

type item struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

type callback struct {
	ReturnURL       string `json:"return_url"`
	NotificationURL string `json:"notification_url"`
}

type param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type recurrence struct {
	Cycle           string `json:"recurrence_cycle"`
	Period          int    `json:"recurrence_period"`
	DateTo          string `json:"recurrence_date_to"`
	RecurrenceState string `json:"recurrence_state,omitempty"`
}

// paymentRequest is the body of POST /payments/payment.
type paymentRequest struct {
	Payer            payer       `json:"payer"`
	Target           target      `json:"target"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	OrderNumber      string      `json:"order_number"`
	OrderDescription string      `json:"order_description"`
	Items            []item      `json:"items"`
	Callback         callback    `json:"callback"`
	Lang             string      `json:"lang"`
	AdditionalParams []param     `json:"additional_params"`
	Recurrence       *recurrence `json:"recurrence,omitempty"`
}

// payment is GoPay's payment resource as returned by create and status calls.
type payment struct {
	ID               int64       `json:"id"`
	ParentID         int64       `json:"parent_id,omitempty"`
	OrderNumber      string      `json:"order_number"`
	State            string      `json:"state"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	GwURL            string      `json:"gw_url"`
	AdditionalParams []param     `json:"additional_params"`
	Recurrence       *recurrence `json:"recurrence,omitempty"`
}

// apiError is GoPay's error body.
type apiError struct {
	Errors []struct {
		ErrorCode int    `json:"error_code"`
		ErrorName string `json:"error_name"`
		Message   string `json:"message"`
		Field     string `json:"field"`
	} `json:"errors"`
}

func (e *apiError) String() string {
	if len(e.Errors) == 0 {
		return "unknown error"
	}
	first := e.Errors[0]
	if first.Field != "" {
		return fmt.Sprintf("%s (%d) on %s: %s", first.ErrorName, first.ErrorCode, first.Field, first.Message)
	}
	return fmt.Sprintf("%s (%d): %s", first.ErrorName, first.ErrorCode, first.Message)
}

func (p *payment) param(name string) string {
	for _, ap := range p.AdditionalParams {
		if ap.Name == name {
			return ap.Value
		}
	}
	return ""
}

// toGatewayPayment converts a GoPay payment into the adapter-neutral view.
func (p *payment) toGatewayPayment() (*billing.GatewayPayment, error) {
	status, err := MapState(p.State)
	if err != nil {
		return nil, err
	}
	gp := &billing.GatewayPayment{
		ExternalPaymentRef: strconv.FormatInt(p.ID, 10),
		Status:             status,
		RawStatus:          p.State,
		RedirectURL:        p.GwURL,
		AccountID:          p.param(paramAccountID),
		Plan:               billing.Plan(p.param(paramPlan)),
		AmountMinorUnits:   p.Amount,
		Currency:           p.Currency,
	}
	if p.ParentID != 0 {
		gp.ParentPaymentRef = strconv.FormatInt(p.ParentID, 10)
	}
	// GoPay does not report the refunded amount; a full refund refunds everything.
	if p.State == StateRefunded {
		gp.RefundedMinorUnits = p.Amount
	}
	return gp, nil
}

// parseRef validates a payment reference. GoPay ids are positive integers.
func parseRef(ref string) (int64, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid gopay payment id %q", billing.ErrInvalidWebhookPayload, ref)
	}
	return id, nil
}
