// Package reporting computes financial aggregates from the payment ledger and
// subscription snapshots.
//
// Aggregates read only stored ledger rows and subscription records, never
// webhook events, so the same store always yields the same Summary. Rows
// flagged as test accounts are excluded throughout.
package reporting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Source is the read side of billing.Storage the engine needs.
type Source interface {
	ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error)
	ListPayments(ctx context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error)
}

// Config configures an Engine.
type Config struct {
	// Currency of the aggregates. Rows in another currency are skipped,
	// amounts are never converted. Default: CZK
	Currency string

	// Location used for day/week/month buckets. Default: UTC
	Location *time.Location

	Clock  billing.Clock
	Logger billing.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Currency: "CZK",
		Location: time.UTC,
		Clock:    billing.SystemClock{},
		Logger:   &billing.NoopLogger{},
	}
}

// Engine computes Summaries.
type Engine struct {
	source   Source
	currency string
	loc      *time.Location
	clock    billing.Clock
	logger   billing.Logger
}

// NewEngine creates an Engine over source.
func NewEngine(source Source, cfg Config) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("reporting source is required")
	}
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Engine{
		source:   source,
		currency: strings.ToUpper(cfg.Currency),
		loc:      cfg.Location,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Summary is the financial picture of one window. Amounts are minor units of
// Currency.
type Summary struct {
	Window      Window    `json:"window"`
	Currency    string    `json:"currency"`
	GeneratedAt time.Time `json:"generated_at"`

	// Revenue counts payments that reached succeeded with PaidAt in the window.
	GrossRevenue    int64 `json:"gross_revenue"`
	RefundedRevenue int64 `json:"refunded_revenue"`
	Revenue         int64 `json:"revenue"`
	PaidPayments    int   `json:"paid_payments"`
	AverageOrder    int64 `json:"average_order"`

	// MRR and ARR describe the live subscriptions at generation time.
	MRR                 int64 `json:"mrr"`
	ARR                 int64 `json:"arr"`
	ActiveMonthly       int   `json:"active_monthly"`
	ActiveYearly        int   `json:"active_yearly"`
	ActiveSubscriptions int   `json:"active_subscriptions"`

	// Churn is CanceledInWindow / ActiveAtStart over paid subscriptions.
	ActiveAtStart    int     `json:"active_at_start"`
	CanceledInWindow int     `json:"canceled_in_window"`
	ChurnRate        float64 `json:"churn_rate"`

	NewSubscriptions int      `json:"new_subscriptions"`
	TrialsStarted    int      `json:"trials_started"`
	NewByDay         []Bucket `json:"new_by_day"`
	NewByWeek        []Bucket `json:"new_by_week"`
	NewByMonth       []Bucket `json:"new_by_month"`

	PaymentsByStatus     map[billing.PaymentStatus]int `json:"payments_by_status"`
	SubscriptionsByState map[billing.State]int         `json:"subscriptions_by_state"`
	SubscriptionsByPlan  map[billing.Plan]int          `json:"subscriptions_by_plan"`

	// SkippedRows counts rows left out for being in another currency.
	SkippedRows int `json:"skipped_rows"`
}

// Summary loads the ledger and subscription records and aggregates them.
func (e *Engine) Summary(ctx context.Context, w Window) (*Summary, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	var subs []*billing.Subscription
	var payments []*billing.PaymentAttempt
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		subs, err = e.source.ListSubscriptions(gctx, billing.SubscriptionFilter{IncludeArchived: true})
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		// Payments created before the window may still have been paid inside it.
		payments, err = e.source.ListPayments(gctx, billing.PaymentFilter{To: w.To})
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := e.Aggregate(w, subs, payments)
	e.logger.Debug("financial summary computed",
		billing.Field{Key: "from", Value: w.From},
		billing.Field{Key: "to", Value: w.To},
		billing.Field{Key: "subscriptions", Value: len(subs)},
		billing.Field{Key: "payments", Value: len(payments)},
		billing.Field{Key: "duration", Value: time.Since(start)},
	)
	return s, nil
}

// Aggregate computes a Summary from already loaded rows. It is pure apart
// from reading the clock for GeneratedAt.
func (e *Engine) Aggregate(w Window, subs []*billing.Subscription, payments []*billing.PaymentAttempt) *Summary {
	s := &Summary{
		Window:               w,
		Currency:             e.currency,
		GeneratedAt:          e.clock.Now(),
		PaymentsByStatus:     make(map[billing.PaymentStatus]int),
		SubscriptionsByState: make(map[billing.State]int),
		SubscriptionsByPlan:  make(map[billing.Plan]int),
	}
	e.aggregatePayments(s, w, payments)
	e.aggregateSubscriptions(s, w, subs)
	return s
}

func (e *Engine) aggregatePayments(s *Summary, w Window, payments []*billing.PaymentAttempt) {
	for _, p := range payments {
		if p.IsTestAccount {
			continue
		}
		if !e.sameCurrency(p.Currency) {
			s.SkippedRows++
			continue
		}
		if w.Contains(p.CreatedAt) {
			s.PaymentsByStatus[p.Status]++
		}
		if p.PaidAt == nil || !w.Contains(*p.PaidAt) {
			continue
		}

		switch p.Status {
		case billing.PaymentSucceeded:
			s.GrossRevenue += p.AmountMinorUnits
			s.PaidPayments++
		case billing.PaymentRefunded:
			s.GrossRevenue += p.AmountMinorUnits
			s.PaidPayments++
			refunded := p.RefundedMinorUnits
			if refunded <= 0 || refunded > p.AmountMinorUnits {
				refunded = p.AmountMinorUnits
			}
			s.RefundedRevenue += refunded
		}
	}
	s.Revenue = s.GrossRevenue - s.RefundedRevenue
	if s.PaidPayments > 0 {
		s.AverageOrder = divideRoundHalfUp(s.GrossRevenue, int64(s.PaidPayments))
	}
}

func (e *Engine) aggregateSubscriptions(s *Summary, w Window, subs []*billing.Subscription) {
	var monthly, yearly int64
	var newTimes []time.Time

	for _, sub := range subs {
		if sub.IsTestAccount {
			continue
		}

		if sub.ArchivedAt == nil {
			s.SubscriptionsByState[sub.State]++
			s.SubscriptionsByPlan[sub.Plan]++
			if sub.State == billing.StateActive && sub.Plan.Paid() {
				if !e.sameCurrency(sub.Currency) {
					s.SkippedRows++
				} else if sub.Plan == billing.PlanYearly {
					yearly += sub.AmountMinorUnits
					s.ActiveYearly++
				} else {
					monthly += sub.AmountMinorUnits
					s.ActiveMonthly++
				}
			}
		}

		if !sub.TrialEndsAt.IsZero() && w.Contains(sub.CreatedAt) {
			s.TrialsStarted++
		}
		if sub.ActivatedAt == nil || !sub.Plan.Paid() {
			continue
		}
		activated := *sub.ActivatedAt
		if w.Contains(activated) {
			newTimes = append(newTimes, activated)
		}
		if activated.Before(w.From) && (sub.CanceledAt == nil || !sub.CanceledAt.Before(w.From)) {
			s.ActiveAtStart++
			if sub.CanceledAt != nil && w.Contains(*sub.CanceledAt) {
				s.CanceledInWindow++
			}
		}
	}

	s.ActiveSubscriptions = s.ActiveMonthly + s.ActiveYearly
	s.MRR = MRR(monthly, yearly)
	s.ARR = s.MRR * 12
	if s.ActiveAtStart > 0 {
		s.ChurnRate = float64(s.CanceledInWindow) / float64(s.ActiveAtStart)
	}

	s.NewSubscriptions = len(newTimes)
	s.NewByDay = bucketize(newTimes, w, Day, e.loc)
	s.NewByWeek = bucketize(newTimes, w, Week, e.loc)
	s.NewByMonth = bucketize(newTimes, w, Month, e.loc)
}

func (e *Engine) sameCurrency(c string) bool {
	return c == "" || strings.EqualFold(c, e.currency)
}

// MRR normalizes recurring amounts to a month: monthly amounts count in full
// and the yearly sum is divided by 12 once, rounding half up.
func MRR(monthlySum, yearlySum int64) int64 {
	return monthlySum + divideRoundHalfUp(yearlySum, 12)
}

func divideRoundHalfUp(n, d int64) int64 {
	return (n + d/2) / d
}
