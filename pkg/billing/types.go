package billing

import (
	"time"
)

// Plan identifies what an account is paying for.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanTrial, PlanMonthly, PlanYearly:
		return true
	}
	return false
}

// Paid reports whether p is a plan that is bought through the gateway.
func (p Plan) Paid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// State is the lifecycle state of a subscription.
type State string

const (
	StateTrialing State = "trialing"
	StateActive   State = "active"
	StatePastDue  State = "past_due"
	StateCanceled State = "canceled"
	StateUnpaid   State = "unpaid"
)

// PaymentStatus is the ledger status of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCanceled  PaymentStatus = "canceled"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentSucceeded, PaymentFailed, PaymentRefunded, PaymentCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status. Only succeeded may still move (to refunded).
func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

// Subscription is the per-account billing record. It is the single source of
// truth for access control.
type Subscription struct {
	ID                      string        `json:"id"`
	AccountID               string        `json:"account_id"`
	Plan                    Plan          `json:"plan"`
	State                   State         `json:"state"`
	CurrentPeriodStart      time.Time     `json:"current_period_start"`
	CurrentPeriodEnd        time.Time     `json:"current_period_end"`
	CancelAtPeriodEnd       bool          `json:"cancel_at_period_end"`
	TrialEndsAt             time.Time     `json:"trial_ends_at"`
	ExternalSubscriptionRef string        `json:"external_subscription_ref,omitempty"`
	AmountMinorUnits        int64         `json:"amount_minor_units"`
	Currency                string        `json:"currency,omitempty"`
	IsTestAccount           bool          `json:"is_test_account"`
	FailedPayments          int           `json:"failed_payments"`
	CreatedAt               time.Time     `json:"created_at"`
	ActivatedAt             *time.Time    `json:"activated_at,omitempty"`
	CanceledAt              *time.Time    `json:"canceled_at,omitempty"`
	ArchivedAt              *time.Time    `json:"archived_at,omitempty"`

	// StateChangedAt and CancelChangedAt are the per-field clocks used for
	// last-writer-wins. StateChangedAt covers State and the billing period.
	StateChangedAt  time.Time `json:"state_changed_at"`
	CancelChangedAt time.Time `json:"cancel_changed_at"`

	// AppliedPayments maps payment refs to the last status applied to this record.
	AppliedPayments map[string]PaymentStatus `json:"applied_payments,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.ActivatedAt = cloneTime(s.ActivatedAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.ArchivedAt = cloneTime(s.ArchivedAt)
	if s.AppliedPayments != nil {
		c.AppliedPayments = make(map[string]PaymentStatus, len(s.AppliedPayments))
		for k, v := range s.AppliedPayments {
			c.AppliedPayments[k] = v
		}
	}
	return &c
}

// PaymentAttempt is one gateway payment object in the append-only ledger.
type PaymentAttempt struct {
	ExternalPaymentRef string        `json:"external_payment_ref"`
	ParentPaymentRef   string        `json:"parent_payment_ref,omitempty"`
	Gateway            string        `json:"gateway"`
	AccountID          string        `json:"account_id"`
	Plan               Plan          `json:"plan"`
	AmountMinorUnits   int64         `json:"amount_minor_units"`
	RefundedMinorUnits int64         `json:"refunded_minor_units"`
	Currency           string        `json:"currency"`
	Status             PaymentStatus `json:"status"`
	RawGatewayStatus   string        `json:"raw_gateway_status,omitempty"`
	RedirectURL        string        `json:"redirect_url,omitempty"`
	IsTestAccount      bool          `json:"is_test_account"`
	CreatedAt          time.Time     `json:"created_at"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *PaymentAttempt) Clone() *PaymentAttempt {
	if p == nil {
		return nil
	}
	c := *p
	c.PaidAt = cloneTime(p.PaidAt)
	return &c
}

// WebhookEvent is a normalized gateway notification. Only its dedup key is persisted.
type WebhookEvent struct {
	ExternalEventID    string        `json:"external_event_id,omitempty"`
	Gateway            string        `json:"gateway"`
	ExternalPaymentRef string        `json:"external_payment_ref"`
	ParentPaymentRef   string        `json:"parent_payment_ref,omitempty"`
	ReportedStatus     PaymentStatus `json:"reported_status,omitempty"`
	RawStatus          string        `json:"raw_status,omitempty"`
	OccurredAt         time.Time     `json:"occurred_at"`
	ReceivedAt         time.Time     `json:"received_at"`

	// Hints used to adopt a payment the ledger has not seen yet.
	AccountID          string `json:"account_id,omitempty"`
	Plan               Plan   `json:"plan,omitempty"`
	AmountMinorUnits   int64  `json:"amount_minor_units,omitempty"`
	Currency           string `json:"currency,omitempty"`
	RefundedMinorUnits int64  `json:"refunded_minor_units,omitempty"`
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	AccountID           string
	States              []State
	Plan                Plan
	IncludeArchived     bool
	IncludeTestAccounts bool
}

// Matches reports whether s passes the filter.
func (f SubscriptionFilter) Matches(s *Subscription) bool {
	if f.AccountID != "" && s.AccountID != f.AccountID {
		return false
	}
	if f.Plan != "" && s.Plan != f.Plan {
		return false
	}
	if !f.IncludeArchived && s.ArchivedAt != nil {
		return false
	}
	if !f.IncludeTestAccounts && s.IsTestAccount {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if s.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// PaymentFilter narrows ListPayments. From/To bound CreatedAt (To exclusive).
type PaymentFilter struct {
	AccountID           string
	Status              PaymentStatus
	Plan                Plan
	From                time.Time
	To                  time.Time
	IncludeTestAccounts bool
	Limit               int
}

// Matches reports whether p passes the filter. Limit is applied by the caller.
func (f PaymentFilter) Matches(p *PaymentAttempt) bool {
	if f.AccountID != "" && p.AccountID != f.AccountID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Plan != "" && p.Plan != f.Plan {
		return false
	}
	if !f.IncludeTestAccounts && p.IsTestAccount {
		return false
	}
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !p.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// PlanPrice is the catalog entry for a paid plan.
type PlanPrice struct {
	Plan             Plan   `json:"plan"`
	Name             string `json:"name"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	IntervalMonths   int    `json:"interval_months"`
	Recurring        bool   `json:"recurring"`
}

// PlanCatalog holds prices for paid plans and the trial length.
type PlanCatalog struct {
	Prices    map[Plan]PlanPrice
	TrialDays int
}

// DefaultPlanCatalog returns the standard catalog: a 30 day trial, 299 CZK monthly
// (recurring) and 2999 CZK yearly (single charge).
func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		TrialDays: 30,
		Prices: map[Plan]PlanPrice{
			PlanMonthly: {
				Plan:             PlanMonthly,
				Name:             "Premium monthly",
				AmountMinorUnits: 29900,
				Currency:         "CZK",
				IntervalMonths:   1,
				Recurring:        true,
			},
			PlanYearly: {
				Plan:             PlanYearly,
				Name:             "Premium yearly",
				AmountMinorUnits: 299900,
				Currency:         "CZK",
				IntervalMonths:   12,
			},
		},
	}
}

// Price returns the catalog price for plan.
func (c PlanCatalog) Price(plan Plan) (PlanPrice, error) {
	p, ok := c.Prices[plan]
	if !ok || !plan.Paid() {
		return PlanPrice{}, ErrInvalidPlan
	}
	return p, nil
}

// IntervalMonths returns the billing interval for plan, 0 if unknown.
func (c PlanCatalog) IntervalMonths(plan Plan) int {
	if p, ok := c.Prices[plan]; ok {
		return p.IntervalMonths
	}
	switch plan {
	case PlanMonthly:
		return 1
	case PlanYearly:
		return 12
	}
	return 0
}

// Account is what the billing engine needs to know about an application account.
type Account struct {
	ID     string
	Email  string
	IsTest bool
}

// Clock provides the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
