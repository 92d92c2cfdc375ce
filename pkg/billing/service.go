package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultGatewayTimeout bounds every synchronous gateway call.
const DefaultGatewayTimeout = 10 * time.Second

// Config configures the billing Service.
type Config struct {
	Storage Storage
	Gateway Gateway

	// Accounts resolves e-mail and the test-account flag. Defaults to StaticAccounts{}.
	Accounts AccountDirectory
	Plans    PlanCatalog

	OperatorQueue OperatorQueue
	Cache         SnapshotCache

	GracePeriod       time.Duration
	SnapshotTTL       time.Duration
	DedupRetention    time.Duration
	ConflictRetries   int
	MaxFailedPayments int
	GatewayTimeout    time.Duration

	// ReturnURL is where the gateway sends the payer after checkout.
	ReturnURL string

	Logger  Logger
	Metrics Metrics
	Clock   Clock
}

// Service is the entry point used by the application: it provisions
// subscriptions, starts payments and answers read queries.
type Service struct {
	storage   Storage
	gateway   Gateway
	accounts  AccountDirectory
	plans     PlanCatalog
	processor *Processor
	gate      *Gate
	cache     SnapshotCache
	timeout   time.Duration
	returnURL string
	logger    Logger
	clock     Clock
	polls     singleflight.Group
}

// New creates a Service. Gateway may be nil for read-only deployments.
func New(cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("billing: storage is required")
	}
	s := &Service{
		storage:   cfg.Storage,
		gateway:   cfg.Gateway,
		accounts:  cfg.Accounts,
		plans:     cfg.Plans,
		timeout:   cfg.GatewayTimeout,
		returnURL: cfg.ReturnURL,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
	if s.accounts == nil {
		s.accounts = StaticAccounts{}
	}
	if s.plans.Prices == nil {
		s.plans = DefaultPlanCatalog()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultGatewayTimeout
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewLRUCache(0)
	}
	s.cache = cache

	var err error
	s.processor, err = NewProcessor(&ProcessorConfig{
		Storage:           cfg.Storage,
		Plans:             s.plans,
		OperatorQueue:     cfg.OperatorQueue,
		Cache:             cache,
		DedupRetention:    cfg.DedupRetention,
		ConflictRetries:   cfg.ConflictRetries,
		MaxFailedPayments: cfg.MaxFailedPayments,
		Logger:            s.logger,
		Metrics:           cfg.Metrics,
		Clock:             s.clock,
	})
	if err != nil {
		return nil, err
	}
	s.gate, err = NewGate(&GateConfig{
		Storage:     cfg.Storage,
		Cache:       cache,
		GracePeriod: cfg.GracePeriod,
		SnapshotTTL: cfg.SnapshotTTL,
		Logger:      s.logger,
		Metrics:     cfg.Metrics,
		Clock:       s.clock,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Processor returns the reconciliation processor.
func (s *Service) Processor() *Processor { return s.processor }

// Gate returns the Access Gate.
func (s *Service) Gate() *Gate { return s.gate }

// Ledger returns the payment ledger.
func (s *Service) Ledger() *Ledger { return s.processor.Ledger() }

// Cache returns the snapshot cache shared by the processor and the gate.
// Anything else that writes subscriptions must invalidate it.
func (s *Service) Cache() SnapshotCache { return s.cache }

// Plans returns the plan catalog.
func (s *Service) Plans() PlanCatalog { return s.plans }

// Provision creates the trialing subscription of a new account. If the account
// already has one it is returned together with ErrSubscriptionExists.
func (s *Service) Provision(ctx context.Context, accountID string) (*Subscription, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}
	sub := NewTrialSubscription(uuid.NewString(), account, s.plans.TrialDays, s.clock.Now())
	if err := s.storage.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrSubscriptionExists) {
			existing, gerr := s.storage.GetSubscription(ctx, accountID)
			if gerr != nil {
				return nil, gerr
			}
			return existing, err
		}
		return nil, err
	}
	s.logger.Info("subscription provisioned",
		Field{"account_id", accountID},
		Field{"trial_ends_at", sub.TrialEndsAt},
	)
	return sub, nil
}

// CreatePayment starts a payment for plan and records it as pending. The
// returned attempt carries the RedirectURL for the payer. Gateway rejections
// surface as ErrPaymentCreationFailed and are not retried here.
func (s *Service) CreatePayment(ctx context.Context, accountID string, plan Plan) (*PaymentAttempt, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	price, err := s.plans.Price(plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, plan)
	}
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}

	now := s.clock.Now()
	req := &PaymentRequest{
		AccountID:        accountID,
		Email:            account.Email,
		Plan:             plan,
		AmountMinorUnits: price.AmountMinorUnits,
		Currency:         price.Currency,
		Description:      price.Name,
		Recurring:        price.Recurring,
		OrderNumber:      fmt.Sprintf("%s_%d", accountID, now.UnixMilli()),
		ReturnURL:        s.returnURL,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	gp, err := s.gateway.CreatePayment(callCtx, req)
	if err != nil {
		s.logger.Warn("payment creation failed",
			Field{"account_id", accountID},
			Field{"plan", plan},
			ErrField(err),
		)
		return nil, err
	}

	attempt := &PaymentAttempt{
		ExternalPaymentRef: gp.ExternalPaymentRef,
		Gateway:            s.gateway.Name(),
		AccountID:          accountID,
		Plan:               plan,
		AmountMinorUnits:   price.AmountMinorUnits,
		Currency:           price.Currency,
		Status:             PaymentPending,
		RawGatewayStatus:   gp.RawStatus,
		RedirectURL:        gp.RedirectURL,
		IsTestAccount:      account.IsTest,
		CreatedAt:          now,
	}
	stored, err := s.Ledger().Record(ctx, attempt)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment created",
		Field{"account_id", accountID},
		Field{"payment_ref", stored.ExternalPaymentRef},
		Field{"plan", plan},
	)
	return stored, nil
}

// GetSubscription returns the live subscription of an account.
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	return s.storage.GetSubscription(ctx, accountID)
}

// HasAccess reports whether the account may use paid features now.
func (s *Service) HasAccess(ctx context.Context, accountID string) bool {
	return s.gate.HasAccess(ctx, accountID)
}

// CheckAccess returns the full access decision.
func (s *Service) CheckAccess(ctx context.Context, accountID string) Decision {
	return s.gate.Check(ctx, accountID)
}

// GetLedger returns every payment of an account, newest first.
func (s *Service) GetLedger(ctx context.Context, accountID string) ([]*PaymentAttempt, error) {
	return s.storage.ListPayments(ctx, PaymentFilter{AccountID: accountID, IncludeTestAccounts: true})
}

// ListPayments returns payments matching filter.
func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]*PaymentAttempt, error) {
	return s.storage.ListPayments(ctx, filter)
}

// CancelAtPeriodEnd schedules cancellation of a paid subscription at the end of
// the current period and stops recurring charges. A trial is canceled at once.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, accountID string) (*Subscription, error) {
	sub, err := s.storage.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	switch sub.State {
	case StateCanceled, StateUnpaid:
		return nil, fmt.Errorf("%w: cannot cancel a %s subscription", ErrUnknownTransition, sub.State)
	}

	if sub.State != StateTrialing && sub.Plan == PlanMonthly && sub.ExternalSubscriptionRef != "" && s.gateway != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.gateway.StopRecurrence(callCtx, sub.ExternalSubscriptionRef)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to stop recurrence: %w", err)
		}
	}

	return s.mutate(ctx, accountID, func(next *Subscription, now time.Time) (bool, error) {
		switch next.State {
		case StateTrialing:
			return true, next.cancelNow(now)
		case StateActive, StatePastDue:
			if next.CancelAtPeriodEnd {
				return false, nil
			}
			next.CancelAtPeriodEnd = true
			next.CancelChangedAt = now
			return true, nil
		}
		return false, fmt.Errorf("%w: cannot cancel a %s subscription", ErrUnknownTransition, next.State)
	})
}

// mutate applies fn to the live subscription under optimistic concurrency.
func (s *Service) mutate(ctx context.Context, accountID string,
	fn func(next *Subscription, now time.Time) (bool, error)) (*Subscription, error) {
	for attempt := 0; attempt <= DefaultConflictRetries; attempt++ {
		sub, err := s.storage.GetSubscription(ctx, accountID)
		if err != nil {
			return nil, err
		}
		next := sub.Clone()
		now := s.clock.Now()
		changed, err := fn(next, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return sub, nil
		}
		next.UpdatedAt = now
		err = s.storage.UpdateSubscription(ctx, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.cache.Invalidate(accountID)
		if sub.State != next.State {
			s.processor.metrics.RecordSubscriptionTransition(sub.State, next.State, "api")
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: account %s", ErrReconciliationConflict, accountID)
}

// Refund refunds a succeeded payment at the gateway and applies the refund to
// the ledger and subscription right away. amountMinorUnits 0 refunds everything.
func (s *Service) Refund(ctx context.Context, ref string, amountMinorUnits int64) (*Result, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	pay, err := s.storage.GetPayment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if pay.Status != PaymentSucceeded {
		return nil, fmt.Errorf("%w: cannot refund a %s payment", ErrUnknownTransition, pay.Status)
	}
	if amountMinorUnits < 0 || amountMinorUnits > pay.AmountMinorUnits {
		return nil, ErrInvalidAmount
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.gateway.Refund(callCtx, ref, amountMinorUnits)
	cancel()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return s.processor.Apply(ctx, &WebhookEvent{
		ExternalEventID:    "refund:" + ref,
		Gateway:            pay.Gateway,
		ExternalPaymentRef: ref,
		ReportedStatus:     PaymentRefunded,
		RawStatus:          "REFUNDED",
		OccurredAt:         now,
		ReceivedAt:         now,
		RefundedMinorUnits: amountMinorUnits,
	})
}

// ReconcilePayment asks the gateway for a payment's status and applies it.
// Concurrent calls for the same ref share one gateway round trip.
func (s *Service) ReconcilePayment(ctx context.Context, ref string) (*Result, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	v, err, _ := s.polls.Do(ref, func() (interface{}, error) {
		ev := &WebhookEvent{Gateway: s.gateway.Name(), ExternalPaymentRef: ref}
		if err := NewGatewayEnricher(s.gateway, s.timeout, s.clock).Enrich(ctx, ev); err != nil {
			return nil, err
		}
		if ev.ReportedStatus == PaymentPending {
			return &Result{}, nil
		}
		return s.processor.Apply(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// GatewayEnricher fills a notification from the gateway's payment status.
type GatewayEnricher struct {
	gateway Gateway
	timeout time.Duration
	clock   Clock
}

// NewGatewayEnricher creates an Enricher backed by g.
func NewGatewayEnricher(g Gateway, timeout time.Duration, clock Clock) *GatewayEnricher {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &GatewayEnricher{gateway: g, timeout: timeout, clock: clock}
}

func (e *GatewayEnricher) Enrich(ctx context.Context, ev *WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	gp, err := e.gateway.GetPaymentStatus(ctx, ev.ExternalPaymentRef)
	if err != nil {
		return err
	}
	// Gateways may resolve an alias (a Stripe PaymentIntent) to the ref the ledger knows.
	if gp.ExternalPaymentRef != "" {
		ev.ExternalPaymentRef = gp.ExternalPaymentRef
	}
	ev.ReportedStatus = gp.Status
	ev.RawStatus = gp.RawStatus
	if ev.ParentPaymentRef == "" {
		ev.ParentPaymentRef = gp.ParentPaymentRef
	}
	if ev.AccountID == "" {
		ev.AccountID = gp.AccountID
	}
	if ev.Plan == "" {
		ev.Plan = gp.Plan
	}
	if ev.AmountMinorUnits == 0 {
		ev.AmountMinorUnits = gp.AmountMinorUnits
	}
	if ev.Currency == "" {
		ev.Currency = gp.Currency
	}
	if ev.RefundedMinorUnits == 0 {
		ev.RefundedMinorUnits = gp.RefundedMinorUnits
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = gp.OccurredAt
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.clock.Now()
	}
	return nil
}
