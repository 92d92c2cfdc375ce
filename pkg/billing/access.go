package billing

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultGracePeriod is how long past_due keeps access after the period end.
	DefaultGracePeriod = 7 * 24 * time.Hour
	// DefaultSnapshotTTL bounds how stale a cached snapshot may be.
	DefaultSnapshotTTL = 5 * time.Second
)

// HasAccess is the access rule: trialing until TrialEndsAt, active, and
// past_due until CurrentPeriodEnd+grace. It is pure and reads only sub.
func HasAccess(sub *Subscription, now time.Time, grace time.Duration) bool {
	if sub == nil {
		return false
	}
	switch sub.State {
	case StateTrialing:
		return now.Before(sub.TrialEndsAt)
	case StateActive:
		return true
	case StatePastDue:
		return now.Before(sub.CurrentPeriodEnd.Add(grace))
	}
	return false
}

// Decision is the Access Gate's answer for one account.
type Decision struct {
	Allowed bool  `json:"allowed"`
	State   State `json:"state,omitempty"`
	// Warning is a non-blocking notice, set while past_due.
	Warning string `json:"warning,omitempty"`
	// UpgradeRequired is set when access is denied and buying a plan restores it.
	UpgradeRequired bool       `json:"upgrade_required"`
	AccessUntil     *time.Time `json:"access_until,omitempty"`
	// Stale is set when the decision came from a cached snapshot because storage failed.
	Stale bool `json:"stale,omitempty"`
}

// AccessChecker is what HTTP middleware needs to guard paid routes.
// *Service implements it.
type AccessChecker interface {
	CheckAccess(ctx context.Context, accountID string) Decision
}

// GateConfig configures the Access Gate.
type GateConfig struct {
	Storage     Storage
	Cache       SnapshotCache
	GracePeriod time.Duration
	SnapshotTTL time.Duration
	Logger      Logger
	Metrics     Metrics
	Clock       Clock
}

// Gate answers access questions from subscription snapshots. It never calls
// the payment gateway.
type Gate struct {
	storage Storage
	cache   SnapshotCache
	grace   time.Duration
	ttl     time.Duration
	logger  Logger
	metrics Metrics
	clock   Clock
}

// NewGate creates an Access Gate.
func NewGate(cfg *GateConfig) (*Gate, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, errors.New("gate: storage is required")
	}
	g := &Gate{
		storage: cfg.Storage,
		cache:   cfg.Cache,
		grace:   cfg.GracePeriod,
		ttl:     cfg.SnapshotTTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	if g.cache == nil {
		g.cache = NewNoopCache()
	}
	if g.grace <= 0 {
		g.grace = DefaultGracePeriod
	}
	if g.ttl <= 0 {
		g.ttl = DefaultSnapshotTTL
	}
	if g.logger == nil {
		g.logger = &NoopLogger{}
	}
	if g.metrics == nil {
		g.metrics = &NoopMetrics{}
	}
	if g.clock == nil {
		g.clock = SystemClock{}
	}
	return g, nil
}

// GracePeriod is how long past_due keeps access after the period end.
func (g *Gate) GracePeriod() time.Duration { return g.grace }

// HasAccess reports whether accountID may use paid features right now.
func (g *Gate) HasAccess(ctx context.Context, accountID string) bool {
	return g.Check(ctx, accountID).Allowed
}

// Check returns the full access decision for accountID. Unknown accounts and
// storage failures without a cached snapshot are denied.
func (g *Gate) Check(ctx context.Context, accountID string) Decision {
	start := time.Now()
	sub, stale, err := g.snapshot(ctx, accountID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			g.logger.Warn("access check without snapshot", Field{"account_id", accountID}, ErrField(err))
		}
		g.metrics.RecordAccessCheck("", false, time.Since(start))
		return Decision{UpgradeRequired: true}
	}

	d := Evaluate(sub, g.clock.Now(), g.grace)
	d.Stale = stale
	g.metrics.RecordAccessCheck(sub.State, d.Allowed, time.Since(start))
	return d
}

// Evaluate builds the Decision for sub at now.
func Evaluate(sub *Subscription, now time.Time, grace time.Duration) Decision {
	d := Decision{
		Allowed: HasAccess(sub, now, grace),
		State:   sub.State,
	}
	switch sub.State {
	case StateTrialing:
		d.AccessUntil = timePtr(sub.TrialEndsAt)
	case StateActive:
		d.AccessUntil = timePtr(sub.CurrentPeriodEnd)
	case StatePastDue:
		d.AccessUntil = timePtr(sub.CurrentPeriodEnd.Add(grace))
		if d.Allowed {
			d.Warning = "payment failed; update your payment method to keep access"
		}
	}
	d.UpgradeRequired = !d.Allowed
	return d
}

func (g *Gate) snapshot(ctx context.Context, accountID string) (*Subscription, bool, error) {
	if sub, ok := g.cache.Get(accountID); ok {
		g.metrics.RecordCacheHit("subscription")
		return sub, false, nil
	}
	g.metrics.RecordCacheMiss("subscription")

	sub, err := g.storage.GetSubscription(ctx, accountID)
	if err == nil {
		g.cache.Set(accountID, sub, g.ttl)
		return sub, false, nil
	}
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, false, err
	}
	if stale, ok := g.cache.GetStale(accountID); ok {
		return stale, true, nil
	}
	return nil, false, err
}
