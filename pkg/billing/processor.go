package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultDedupRetention is how long webhook dedup keys are kept.
	DefaultDedupRetention = 30 * 24 * time.Hour
	// DefaultConflictRetries is how many times a conflicting event application is retried.
	DefaultConflictRetries = 3
	// DefaultMaxFailedPayments is how many failures move a past_due subscription to unpaid.
	DefaultMaxFailedPayments = 3
)

// ProcessorConfig configures the webhook reconciliation processor.
type ProcessorConfig struct {
	Storage Storage
	Plans   PlanCatalog

	// OperatorQueue receives events that exhausted their conflict retries.
	// Defaults to an in-memory queue.
	OperatorQueue OperatorQueue

	// Cache, when set, is invalidated after every subscription write.
	Cache SnapshotCache

	DedupRetention    time.Duration
	ConflictRetries   int
	MaxFailedPayments int

	Logger  Logger
	Metrics Metrics
	Clock   Clock
}

// Result describes what applying one event did.
type Result struct {
	Duplicate           bool
	PaymentChanged      bool
	SubscriptionChanged bool
	Payment             *PaymentAttempt
	Subscription        *Subscription
}

// Processor applies gateway notifications to the ledger and subscriptions.
// It is safe for concurrent use; same-account races are resolved by
// optimistic concurrency on Subscription.Version.
type Processor struct {
	storage           Storage
	ledger            *Ledger
	plans             PlanCatalog
	queue             OperatorQueue
	cache             SnapshotCache
	retention         time.Duration
	conflictRetries   int
	maxFailedPayments int
	logger            Logger
	metrics           Metrics
	clock             Clock
}

// NewProcessor creates a processor.
func NewProcessor(cfg *ProcessorConfig) (*Processor, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("processor: storage is required")
	}
	p := &Processor{
		storage:           cfg.Storage,
		plans:             cfg.Plans,
		queue:             cfg.OperatorQueue,
		cache:             cfg.Cache,
		retention:         cfg.DedupRetention,
		conflictRetries:   cfg.ConflictRetries,
		maxFailedPayments: cfg.MaxFailedPayments,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		clock:             cfg.Clock,
	}
	if p.plans.Prices == nil {
		p.plans = DefaultPlanCatalog()
	}
	if p.retention <= 0 {
		p.retention = DefaultDedupRetention
	}
	if p.conflictRetries <= 0 {
		p.conflictRetries = DefaultConflictRetries
	}
	if p.maxFailedPayments <= 0 {
		p.maxFailedPayments = DefaultMaxFailedPayments
	}
	if p.logger == nil {
		p.logger = &NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &NoopMetrics{}
	}
	if p.clock == nil {
		p.clock = SystemClock{}
	}
	if p.queue == nil {
		p.queue = NewMemoryOperatorQueue()
	}
	if p.cache == nil {
		p.cache = NewNoopCache()
	}
	p.ledger = NewLedger(p.storage, p.logger, p.metrics, p.clock)
	return p, nil
}

// Ledger returns the ledger the processor writes through.
func (p *Processor) Ledger() *Ledger {
	return p.ledger
}

// DedupKey computes the duplicate-detection key for ev: the gateway event id
// when present, otherwise payment ref, status and the receive minute.
func DedupKey(ev *WebhookEvent) string {
	if ev.ExternalEventID != "" {
		return fmt.Sprintf("evt:%s:%s", ev.Gateway, ev.ExternalEventID)
	}
	minute := ev.ReceivedAt.UTC().Truncate(time.Minute)
	return fmt.Sprintf("pay:%s:%s:%s:%d", ev.Gateway, ev.ExternalPaymentRef, ev.ReportedStatus, minute.Unix())
}

// Apply processes one notification. Applying the same event twice has the same
// effect as applying it once.
func (p *Processor) Apply(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	start := time.Now()
	if ev == nil || ev.ExternalPaymentRef == "" || !ev.ReportedStatus.Valid() {
		return nil, ErrInvalidWebhookPayload
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.clock.Now()
	}

	key := DedupKey(ev)
	first, err := p.storage.MarkEventSeen(ctx, key, p.clock.Now(), p.retention)
	if err != nil {
		p.metrics.RecordEventProcessed(ev.Gateway, string(ev.ReportedStatus), "error", time.Since(start))
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}
	if !first {
		p.metrics.RecordEventProcessed(ev.Gateway, string(ev.ReportedStatus), "duplicate", time.Since(start))
		p.logger.Debug("duplicate webhook event",
			Field{"dedup_key", key},
			Field{"payment_ref", ev.ExternalPaymentRef},
		)
		return &Result{Duplicate: true}, nil
	}

	res, err := p.applyWithRetry(ctx, ev)
	if err != nil {
		// Release the key so the gateway's redelivery (or an operator replay) can retry.
		if ferr := p.storage.ForgetEvent(ctx, key); ferr != nil {
			p.logger.Warn("failed to release dedup key", Field{"dedup_key", key}, ErrField(ferr))
		}
		if errors.Is(err, ErrReconciliationConflict) {
			p.surface(ctx, ev, "reconciliation_conflict", err)
		}
		p.metrics.RecordEventProcessed(ev.Gateway, string(ev.ReportedStatus), "error", time.Since(start))
		return nil, err
	}

	outcome := "ignored"
	if res.PaymentChanged || res.SubscriptionChanged {
		outcome = "applied"
	}
	p.metrics.RecordEventProcessed(ev.Gateway, string(ev.ReportedStatus), outcome, time.Since(start))
	return res, nil
}

func (p *Processor) applyWithRetry(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= p.conflictRetries; attempt++ {
		res, err := p.applyOnce(ctx, ev)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		p.metrics.RecordVersionConflict("subscription")
		p.logger.Debug("version conflict, retrying event",
			Field{"payment_ref", ev.ExternalPaymentRef},
			Field{"attempt", attempt + 1},
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: payment %s after %d retries: %v",
		ErrReconciliationConflict, ev.ExternalPaymentRef, p.conflictRetries, lastErr)
}

func (p *Processor) surface(ctx context.Context, ev *WebhookEvent, reason string, cause error) {
	p.logger.Error("event surfaced to operator queue",
		Field{"payment_ref", ev.ExternalPaymentRef},
		Field{"status", ev.ReportedStatus},
		Field{"reason", reason},
		ErrField(cause),
	)
	p.metrics.RecordOperatorQueued(reason)
	item := &OperatorItem{
		ID:       uuid.NewString(),
		Reason:   reason,
		Error:    cause.Error(),
		Event:    ev,
		QueuedAt: p.clock.Now(),
	}
	if err := p.queue.Push(ctx, item); err != nil {
		p.logger.Error("failed to push operator item",
			Field{"payment_ref", ev.ExternalPaymentRef},
			ErrField(err),
		)
	}
}

func (p *Processor) applyOnce(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	payment, err := p.storage.GetPayment(ctx, ev.ExternalPaymentRef)
	if errors.Is(err, ErrPaymentNotFound) {
		payment, err = p.adopt(ctx, ev)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Payment: payment}
	if ev.ReportedStatus == PaymentPending {
		return res, nil
	}

	updated, changed, err := p.ledger.UpdateStatus(ctx, payment.ExternalPaymentRef, StatusUpdate{
		Status:             ev.ReportedStatus,
		RawStatus:          ev.RawStatus,
		OccurredAt:         ev.OccurredAt,
		RefundedMinorUnits: ev.RefundedMinorUnits,
	})
	if err != nil {
		return nil, err
	}
	res.Payment = updated
	res.PaymentChanged = changed

	// The ledger rejected the event; the subscription must not move either.
	if updated.Status != ev.ReportedStatus {
		return res, nil
	}

	sub, subChanged, err := p.reconcileSubscription(ctx, updated, ev)
	if err != nil {
		return nil, err
	}
	res.Subscription = sub
	res.SubscriptionChanged = subChanged
	return res, nil
}

// adopt creates a pending ledger row for a notification that raced ahead of
// CreatePayment. The owner comes from event hints or the recurring parent.
func (p *Processor) adopt(ctx context.Context, ev *WebhookEvent) (*PaymentAttempt, error) {
	attempt := &PaymentAttempt{
		ExternalPaymentRef: ev.ExternalPaymentRef,
		ParentPaymentRef:   ev.ParentPaymentRef,
		Gateway:            ev.Gateway,
		AccountID:          ev.AccountID,
		Plan:               ev.Plan,
		AmountMinorUnits:   ev.AmountMinorUnits,
		Currency:           ev.Currency,
		Status:             PaymentPending,
	}

	if ev.ParentPaymentRef != "" {
		parent, err := p.storage.GetPayment(ctx, ev.ParentPaymentRef)
		switch {
		case err == nil:
			if attempt.AccountID == "" {
				attempt.AccountID = parent.AccountID
			}
			if attempt.Plan == "" {
				attempt.Plan = parent.Plan
			}
			if attempt.AmountMinorUnits == 0 {
				attempt.AmountMinorUnits = parent.AmountMinorUnits
			}
			if attempt.Currency == "" {
				attempt.Currency = parent.Currency
			}
			attempt.IsTestAccount = parent.IsTestAccount
		case !errors.Is(err, ErrPaymentNotFound):
			return nil, err
		}
	}

	if attempt.AccountID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, ev.ExternalPaymentRef)
	}
	if !attempt.Plan.Paid() {
		attempt.Plan = PlanMonthly
	}
	if price, err := p.plans.Price(attempt.Plan); err == nil {
		if attempt.AmountMinorUnits == 0 {
			attempt.AmountMinorUnits = price.AmountMinorUnits
		}
		if attempt.Currency == "" {
			attempt.Currency = price.Currency
		}
	}
	if !attempt.IsTestAccount {
		if sub, err := p.storage.GetSubscription(ctx, attempt.AccountID); err == nil {
			attempt.IsTestAccount = sub.IsTestAccount
		}
	}

	p.logger.Info("adopting payment from notification",
		Field{"payment_ref", attempt.ExternalPaymentRef},
		Field{"parent_ref", attempt.ParentPaymentRef},
		Field{"account_id", attempt.AccountID},
	)
	return p.ledger.Record(ctx, attempt)
}

// reconcileSubscription folds a payment status into its account's subscription.
func (p *Processor) reconcileSubscription(ctx context.Context, pay *PaymentAttempt,
	ev *WebhookEvent) (*Subscription, bool, error) {
	now := p.clock.Now()
	eventAt := ev.OccurredAt
	if eventAt.IsZero() {
		eventAt = now
	}

	sub, err := p.storage.GetSubscription(ctx, pay.AccountID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		if pay.Status != PaymentSucceeded {
			return nil, false, nil
		}
		return p.createFromPayment(ctx, pay, now, eventAt)
	}
	if err != nil {
		return nil, false, err
	}
	if sub.applied(pay.ExternalPaymentRef, pay.Status) {
		return sub, false, nil
	}

	next := sub.Clone()
	from := sub.State
	switch pay.Status {
	case PaymentSucceeded:
		if sub.State == StateCanceled {
			return p.replaceCanceled(ctx, sub, pay, now, eventAt)
		}
		price := p.priceFor(pay)
		if err := next.activate(price, pay, now, eventAt); err != nil {
			return p.ignoreTransition(sub, pay, err)
		}

	case PaymentFailed:
		if !eventAt.After(sub.StateChangedAt) {
			p.logger.Debug("stale failure ignored",
				Field{"account_id", sub.AccountID},
				Field{"payment_ref", pay.ExternalPaymentRef},
			)
			next.markApplied(pay.ExternalPaymentRef, pay.Status)
			break
		}
		changed, err := next.recordFailure(p.maxFailedPayments, eventAt)
		if err != nil {
			return p.ignoreTransition(sub, pay, err)
		}
		if !changed {
			return sub, false, nil
		}

	case PaymentRefunded:
		if pay.CreatedAt.Before(sub.CreatedAt) && sub.AppliedPayments[pay.ExternalPaymentRef] == "" {
			// The refunded payment belongs to an archived record.
			return sub, false, nil
		}
		if !eventAt.After(sub.StateChangedAt) {
			next.markApplied(pay.ExternalPaymentRef, pay.Status)
			break
		}
		if err := next.cancelNow(eventAt); err != nil {
			return p.ignoreTransition(sub, pay, err)
		}

	default:
		// canceled/pending payments do not move subscriptions.
		return sub, false, nil
	}

	next.markApplied(pay.ExternalPaymentRef, pay.Status)
	next.UpdatedAt = now
	if err := p.storage.UpdateSubscription(ctx, next); err != nil {
		return nil, false, err
	}
	p.cache.Invalidate(next.AccountID)
	if from != next.State {
		p.metrics.RecordSubscriptionTransition(from, next.State, "webhook")
		p.logger.Info("subscription transition",
			Field{"account_id", next.AccountID},
			Field{"from", from},
			Field{"to", next.State},
			Field{"payment_ref", pay.ExternalPaymentRef},
		)
	}
	return next, true, nil
}

func (p *Processor) ignoreTransition(sub *Subscription, pay *PaymentAttempt, err error) (*Subscription, bool, error) {
	p.logger.Warn("ignoring subscription transition",
		Field{"account_id", sub.AccountID},
		Field{"state", sub.State},
		Field{"payment_ref", pay.ExternalPaymentRef},
		Field{"payment_status", pay.Status},
		ErrField(err),
	)
	return sub, false, nil
}

// replaceCanceled starts a brand-new record for an account whose subscription
// was canceled, unless the payment predates the cancellation.
func (p *Processor) replaceCanceled(ctx context.Context, prev *Subscription, pay *PaymentAttempt,
	now, eventAt time.Time) (*Subscription, bool, error) {
	if !eventAt.After(prev.StateChangedAt) {
		p.logger.Warn("success predates cancellation, not resurrecting",
			Field{"account_id", prev.AccountID},
			Field{"payment_ref", pay.ExternalPaymentRef},
			ErrField(ErrUnknownTransition),
		)
		return prev, false, nil
	}

	next := p.newPaidSubscription(pay, prev.IsTestAccount, now, eventAt)
	if err := p.storage.ReplaceSubscription(ctx, prev, next); err != nil {
		return nil, false, err
	}
	p.cache.Invalidate(next.AccountID)
	p.metrics.RecordSubscriptionTransition(StateCanceled, StateActive, "webhook")
	p.logger.Info("subscription replaced",
		Field{"account_id", next.AccountID},
		Field{"previous_id", prev.ID},
		Field{"subscription_id", next.ID},
	)
	return next, true, nil
}

func (p *Processor) createFromPayment(ctx context.Context, pay *PaymentAttempt,
	now, eventAt time.Time) (*Subscription, bool, error) {
	next := p.newPaidSubscription(pay, pay.IsTestAccount, now, eventAt)
	err := p.storage.CreateSubscription(ctx, next)
	if errors.Is(err, ErrSubscriptionExists) {
		// Another worker created it first; re-read and fold in.
		return nil, false, fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	if err != nil {
		return nil, false, err
	}
	p.cache.Invalidate(next.AccountID)
	p.metrics.RecordSubscriptionTransition("", StateActive, "webhook")
	return next, true, nil
}

func (p *Processor) newPaidSubscription(pay *PaymentAttempt, isTest bool, now, eventAt time.Time) *Subscription {
	price := p.priceFor(pay)
	sub := &Subscription{
		ID:                      uuid.NewString(),
		AccountID:               pay.AccountID,
		Plan:                    price.Plan,
		State:                   StateActive,
		CurrentPeriodStart:      now,
		CurrentPeriodEnd:        AddMonths(now, price.IntervalMonths),
		ExternalSubscriptionRef: pay.ExternalPaymentRef,
		AmountMinorUnits:        price.AmountMinorUnits,
		Currency:                price.Currency,
		IsTestAccount:           isTest,
		CreatedAt:               now,
		ActivatedAt:             timePtr(now),
		StateChangedAt:          eventAt,
		CancelChangedAt:         eventAt,
		UpdatedAt:               now,
	}
	sub.markApplied(pay.ExternalPaymentRef, pay.Status)
	return sub
}

// priceFor returns the effective price of a payment: the catalog interval with
// the amount actually charged.
func (p *Processor) priceFor(pay *PaymentAttempt) PlanPrice {
	price, err := p.plans.Price(pay.Plan)
	if err != nil {
		price = PlanPrice{Plan: pay.Plan, IntervalMonths: p.plans.IntervalMonths(pay.Plan)}
	}
	if price.IntervalMonths == 0 {
		price.IntervalMonths = 1
	}
	if pay.AmountMinorUnits > 0 {
		price.AmountMinorUnits = pay.AmountMinorUnits
	}
	if pay.Currency != "" {
		price.Currency = pay.Currency
	}
	return price
}
