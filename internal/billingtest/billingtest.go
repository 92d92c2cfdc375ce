// Package billingtest seeds a billing service with one account per
// subscription state for middleware and handler tests.
package billingtest

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

// Now is the fixed time seen by services built here.
var Now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// Seeded account IDs.
const (
	Trialing     = "acct-trialing"
	TrialExpired = "acct-trial-expired"
	Active       = "acct-active"
	PastDue      = "acct-past-due"
	PastGrace    = "acct-past-grace"
	Canceled     = "acct-canceled"
	Unknown      = "acct-unknown"
)

// NewService returns a gateway-less Service over a seeded memory store.
func NewService(t testing.TB) *billing.Service {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	start := Now.AddDate(0, -1, 0)
	subs := []*billing.Subscription{
		{AccountID: Trialing, State: billing.StateTrialing, Plan: billing.PlanTrial, TrialEndsAt: Now.Add(24 * time.Hour)},
		{AccountID: TrialExpired, State: billing.StateTrialing, Plan: billing.PlanTrial, TrialEndsAt: Now.Add(-time.Hour)},
		{AccountID: Active, State: billing.StateActive, Plan: billing.PlanMonthly, CurrentPeriodEnd: Now.AddDate(0, 0, 10)},
		{AccountID: PastDue, State: billing.StatePastDue, Plan: billing.PlanMonthly, CurrentPeriodEnd: Now.Add(-24 * time.Hour)},
		{AccountID: PastGrace, State: billing.StatePastDue, Plan: billing.PlanMonthly, CurrentPeriodEnd: Now.AddDate(0, 0, -8)},
		{AccountID: Canceled, State: billing.StateCanceled, Plan: billing.PlanMonthly, CurrentPeriodEnd: Now.AddDate(0, 0, -1)},
	}
	for _, sub := range subs {
		sub.ID = "sub-" + sub.AccountID
		sub.CreatedAt = start
		sub.CurrentPeriodStart = start
		if err := store.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("failed to seed %s: %v", sub.AccountID, err)
		}
	}

	svc, err := billing.New(&billing.Config{
		Storage: store,
		Clock:   billing.ClockFunc(func() time.Time { return Now }),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}
