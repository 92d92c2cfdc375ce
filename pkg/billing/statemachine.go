package billing

import (
	"fmt"
	"time"
)

// subscriptionTransitions is the allowed subscription state table.
// canceled is terminal: a new record is created instead.
var subscriptionTransitions = map[State][]State{
	StateTrialing: {StateActive, StateCanceled},
	StateActive:   {StatePastDue, StateCanceled},
	StatePastDue:  {StateActive, StateCanceled, StateUnpaid},
	StateUnpaid:   {StateActive, StateCanceled},
	StateCanceled: nil,
}

// paymentTransitions is the allowed ledger status table.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentSucceeded, PaymentFailed, PaymentCanceled},
	PaymentSucceeded: {PaymentRefunded},
}

// CanTransition reports whether a subscription may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range subscriptionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPayment reports whether a payment may move from one status to another.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves s to the target state and stamps the state clock.
// Staying in the same state is allowed and only refreshes the clock.
func (s *Subscription) transition(to State, at time.Time) error {
	if s.State != to && !CanTransition(s.State, to) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrUnknownTransition, s.State, to)
	}
	s.State = to
	s.StateChangedAt = at
	if to == StateCanceled && s.CanceledAt == nil {
		s.CanceledAt = timePtr(at)
	}
	return nil
}

// activate folds a successful payment for price into s. A subscription that is
// already active or past_due keeps its period start and extends the end; any
// other state starts a new period at now. A fresh recurring purchase becomes the
// ExternalSubscriptionRef. A success older than the last
// failure still extends the period but does not override the newer state.
func (s *Subscription) activate(price PlanPrice, pay *PaymentAttempt, now, eventAt time.Time) error {
	renewal := s.State == StateActive || s.State == StatePastDue
	if renewal && !s.CurrentPeriodEnd.IsZero() {
		s.CurrentPeriodEnd = ExtendPeriodEnd(s.CurrentPeriodStart, s.CurrentPeriodEnd, price.IntervalMonths)
	} else {
		s.CurrentPeriodStart = now
		s.CurrentPeriodEnd = AddMonths(now, price.IntervalMonths)
	}

	stale := (s.State == StatePastDue || s.State == StateUnpaid) && !eventAt.After(s.StateChangedAt)
	if !stale && s.State != StateActive {
		if err := s.transition(StateActive, maxTime(eventAt, s.StateChangedAt)); err != nil {
			return err
		}
		s.FailedPayments = 0
	}

	s.Plan = price.Plan
	s.AmountMinorUnits = price.AmountMinorUnits
	s.Currency = price.Currency
	if s.ExternalSubscriptionRef == "" || (pay.ParentPaymentRef == "" && price.Recurring) {
		s.ExternalSubscriptionRef = pay.ExternalPaymentRef
	}
	if s.ActivatedAt == nil {
		s.ActivatedAt = timePtr(now)
	}
	// A renewal of a recurrence the user asked to stop must not undo the
	// cancellation; a fresh purchase does.
	if s.CancelAtPeriodEnd && pay.ParentPaymentRef == "" && eventAt.After(s.CancelChangedAt) {
		s.CancelAtPeriodEnd = false
		s.CancelChangedAt = eventAt
	}
	return nil
}

// recordFailure applies a failed payment. active goes to past_due; while past_due
// each failure is counted and the record becomes unpaid at maxFailures.
// Returns false when the failure does not change anything.
func (s *Subscription) recordFailure(maxFailures int, eventAt time.Time) (bool, error) {
	switch s.State {
	case StateActive:
		s.FailedPayments = 1
		return true, s.transition(StatePastDue, eventAt)
	case StatePastDue:
		s.FailedPayments++
		if maxFailures > 0 && s.FailedPayments >= maxFailures {
			return true, s.transition(StateUnpaid, eventAt)
		}
		s.StateChangedAt = eventAt
		return true, nil
	}
	return false, nil
}

// cancelNow cancels s immediately and drops any pending cancel-at-period-end.
func (s *Subscription) cancelNow(at time.Time) error {
	if s.State == StateCanceled {
		return nil
	}
	if err := s.transition(StateCanceled, at); err != nil {
		return err
	}
	s.CancelAtPeriodEnd = false
	s.CancelChangedAt = at
	if !s.CurrentPeriodEnd.IsZero() && at.Before(s.CurrentPeriodEnd) {
		s.CurrentPeriodEnd = at
	}
	return nil
}

// markApplied records that paymentRef's status has been folded into s.
func (s *Subscription) markApplied(paymentRef string, status PaymentStatus) {
	if s.AppliedPayments == nil {
		s.AppliedPayments = make(map[string]PaymentStatus)
	}
	s.AppliedPayments[paymentRef] = status
}

// applied reports whether paymentRef's status was already folded into s.
func (s *Subscription) applied(paymentRef string, status PaymentStatus) bool {
	return s.AppliedPayments[paymentRef] == status
}

// NewTrialSubscription builds the record created when an account is provisioned.
func NewTrialSubscription(id string, account *Account, trialDays int, now time.Time) *Subscription {
	trialEnd := now.AddDate(0, 0, trialDays)
	return &Subscription{
		ID:                 id,
		AccountID:          account.ID,
		Plan:               PlanTrial,
		State:              StateTrialing,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		TrialEndsAt:        trialEnd,
		IsTestAccount:      account.IsTest,
		CreatedAt:          now,
		StateChangedAt:     now,
		CancelChangedAt:    now,
		UpdatedAt:          now,
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
