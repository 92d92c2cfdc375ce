package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultRenewalLeeway is how long a monthly subscription may stay active
	// past its period end while the recurring charge is in flight.
	DefaultRenewalLeeway = 3 * 24 * time.Hour
	// DefaultPendingAfter is the age after which a pending payment is polled.
	DefaultPendingAfter = 15 * time.Minute
	// DefaultSweepLockTTL bounds one sweep run across instances.
	DefaultSweepLockTTL = 10 * time.Minute

	sweepLockName = "billing-sweep"
)

// PaymentReconciler polls a gateway for a payment and applies the result.
// *Service implements it.
type PaymentReconciler interface {
	ReconcilePayment(ctx context.Context, ref string) (*Result, error)
}

// SweeperConfig configures the periodic expiry sweep.
type SweeperConfig struct {
	Storage Storage
	// Reconciler polls stale pending payments. Optional.
	Reconciler PaymentReconciler
	// Locker keeps concurrent instances from sweeping at the same time. Optional.
	Locker Locker
	Cache  SnapshotCache

	// GracePeriod runs from CurrentPeriodEnd, the same anchor HasAccess uses,
	// so a renewal the sweep marks overdue keeps access for GracePeriod minus
	// RenewalLeeway. Default: DefaultGracePeriod
	GracePeriod time.Duration
	// RenewalLeeway is how long after CurrentPeriodEnd an active monthly record
	// waits for its recurring charge before going past_due. Default: DefaultRenewalLeeway
	RenewalLeeway  time.Duration
	PendingAfter   time.Duration
	LockTTL        time.Duration
	DedupRetention time.Duration

	Logger  Logger
	Metrics Metrics
	Clock   Clock
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Skipped        bool          `json:"skipped"`
	Scanned        int           `json:"scanned"`
	TrialsExpired  int           `json:"trials_expired"`
	PeriodsEnded   int           `json:"periods_ended"`
	MovedToPastDue int           `json:"moved_to_past_due"`
	GraceExpired   int           `json:"grace_expired"`
	PendingPolled  int           `json:"pending_polled"`
	EventsPruned   int           `json:"events_pruned"`
	Errors         int           `json:"errors"`
}

// Sweeper applies time-driven transitions that no webhook will ever trigger.
type Sweeper struct {
	storage      Storage
	reconciler   PaymentReconciler
	locker       Locker
	cache        SnapshotCache
	grace        time.Duration
	leeway       time.Duration
	pendingAfter time.Duration
	lockTTL      time.Duration
	retention    time.Duration
	logger       Logger
	metrics      Metrics
	clock        Clock
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("sweeper: storage is required")
	}
	s := &Sweeper{
		storage:      cfg.Storage,
		reconciler:   cfg.Reconciler,
		locker:       cfg.Locker,
		cache:        cfg.Cache,
		grace:        cfg.GracePeriod,
		leeway:       cfg.RenewalLeeway,
		pendingAfter: cfg.PendingAfter,
		lockTTL:      cfg.LockTTL,
		retention:    cfg.DedupRetention,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.leeway <= 0 {
		s.leeway = DefaultRenewalLeeway
	}
	if s.pendingAfter <= 0 {
		s.pendingAfter = DefaultPendingAfter
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultSweepLockTTL
	}
	if s.retention <= 0 {
		s.retention = DefaultDedupRetention
	}
	if s.cache == nil {
		s.cache = NewNoopCache()
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	return s, nil
}

// Run performs one sweep. When another instance holds the sweep lock the
// report is marked Skipped and nothing is changed.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: s.clock.Now()}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, sweepLockName, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("sweep already running elsewhere")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLockName); err != nil {
				s.logger.Warn("failed to release sweep lock", ErrField(err))
			}
		}()
	}

	subs, err := s.storage.ListSubscriptions(ctx, SubscriptionFilter{
		States:              []State{StateTrialing, StateActive, StatePastDue},
		IncludeTestAccounts: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	report.Scanned = len(subs)

	for _, sub := range subs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		to, changed, err := s.sweepOne(ctx, sub.AccountID)
		if err != nil {
			report.Errors++
			s.logger.Warn("sweep failed for subscription",
				Field{"account_id", sub.AccountID},
				ErrField(err),
			)
			continue
		}
		if changed == "" {
			continue
		}
		switch changed {
		case sweepTrialExpired:
			report.TrialsExpired++
		case sweepPeriodEnded:
			report.PeriodsEnded++
		case sweepPastDue:
			report.MovedToPastDue++
		case sweepGraceExpired:
			report.GraceExpired++
		}
		s.logger.Info("subscription swept",
			Field{"account_id", sub.AccountID},
			Field{"reason", changed},
			Field{"to", to},
		)
	}

	s.pollPending(ctx, report)

	pruned, err := s.storage.PruneEvents(ctx, s.clock.Now().Add(-s.retention))
	if err != nil {
		report.Errors++
		s.logger.Warn("failed to prune webhook events", ErrField(err))
	}
	report.EventsPruned = pruned

	s.logger.Info("sweep finished",
		Field{"scanned", report.Scanned},
		Field{"trials_expired", report.TrialsExpired},
		Field{"periods_ended", report.PeriodsEnded},
		Field{"past_due", report.MovedToPastDue},
		Field{"grace_expired", report.GraceExpired},
		Field{"pending_polled", report.PendingPolled},
		Field{"errors", report.Errors},
	)
	return report, nil
}

const (
	sweepTrialExpired = "trial_expired"
	sweepPeriodEnded  = "period_ended"
	sweepPastDue      = "renewal_overdue"
	sweepGraceExpired = "grace_expired"
)

// due returns the transition the sweep owes sub at now, if any.
func (s *Sweeper) due(sub *Subscription, now time.Time) (State, string) {
	switch sub.State {
	case StateTrialing:
		if !now.Before(sub.TrialEndsAt) {
			return StateCanceled, sweepTrialExpired
		}
	case StateActive:
		if now.Before(sub.CurrentPeriodEnd) {
			return "", ""
		}
		if sub.CancelAtPeriodEnd || sub.Plan != PlanMonthly {
			return StateCanceled, sweepPeriodEnded
		}
		if !now.Before(sub.CurrentPeriodEnd.Add(s.leeway)) {
			return StatePastDue, sweepPastDue
		}
	case StatePastDue:
		if !now.Before(sub.CurrentPeriodEnd.Add(s.grace)) {
			return StateCanceled, sweepGraceExpired
		}
	}
	return "", ""
}

// sweepOne re-reads and transitions a single subscription under optimistic
// concurrency, so a webhook landing mid-sweep wins.
func (s *Sweeper) sweepOne(ctx context.Context, accountID string) (State, string, error) {
	for attempt := 0; attempt <= DefaultConflictRetries; attempt++ {
		sub, err := s.storage.GetSubscription(ctx, accountID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return "", "", nil
		}
		if err != nil {
			return "", "", err
		}
		now := s.clock.Now()
		to, reason := s.due(sub, now)
		if reason == "" {
			return "", "", nil
		}

		next := sub.Clone()
		if to == StateCanceled {
			err = next.transition(StateCanceled, now)
			next.CancelAtPeriodEnd = false
		} else {
			err = next.transition(to, now)
		}
		if err != nil {
			return "", "", err
		}
		next.UpdatedAt = now

		err = s.storage.UpdateSubscription(ctx, next)
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.RecordVersionConflict("sweep")
			continue
		}
		if err != nil {
			return "", "", err
		}
		s.cache.Invalidate(accountID)
		s.metrics.RecordSubscriptionTransition(sub.State, to, "sweep")
		return to, reason, nil
	}
	return "", "", fmt.Errorf("%w: account %s", ErrReconciliationConflict, accountID)
}

// pollPending asks the gateway about payments that stayed pending too long,
// which covers notifications that never arrived.
func (s *Sweeper) pollPending(ctx context.Context, report *SweepReport) {
	if s.reconciler == nil {
		return
	}
	cutoff := s.clock.Now().Add(-s.pendingAfter)
	pending, err := s.storage.ListPayments(ctx, PaymentFilter{
		Status:              PaymentPending,
		To:                  cutoff,
		IncludeTestAccounts: true,
	})
	if err != nil {
		report.Errors++
		s.logger.Warn("failed to list pending payments", ErrField(err))
		return
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.reconciler.ReconcilePayment(ctx, p.ExternalPaymentRef); err != nil {
			report.Errors++
			s.logger.Warn("failed to poll pending payment",
				Field{"payment_ref", p.ExternalPaymentRef},
				ErrField(err),
			)
			continue
		}
		report.PendingPolled++
	}
}
