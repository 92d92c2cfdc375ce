package billing

import (
	"context"
	"time"
)

// Storage defines the interface for billing persistence.
// All methods use concrete types from this package to avoid import cycles.
// Implementations must return copies; callers may mutate what they receive.
type Storage interface {
	// GetSubscription returns the live (non-archived) subscription of an account.
	// Returns ErrSubscriptionNotFound if there is none.
	GetSubscription(ctx context.Context, accountID string) (*Subscription, error)

	// CreateSubscription stores a new live subscription with Version 1.
	// Returns ErrSubscriptionExists if the account already has one.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription stores sub if the stored Version equals sub.Version,
	// then increments sub.Version. Returns ErrVersionConflict otherwise.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ReplaceSubscription archives prev and makes next the live record, atomically
	// and only if prev.Version still matches. next.Version continues from prev.
	ReplaceSubscription(ctx context.Context, prev, next *Subscription) error

	// ListSubscriptions returns subscriptions matching the filter.
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)

	// InsertPayment inserts p unless its ExternalPaymentRef exists.
	// Returns the stored row and whether it was created by this call.
	InsertPayment(ctx context.Context, p *PaymentAttempt) (*PaymentAttempt, bool, error)

	// GetPayment returns a payment by ref or ErrPaymentNotFound.
	GetPayment(ctx context.Context, ref string) (*PaymentAttempt, error)

	// UpdatePayment overwrites the mutable fields of p if the stored status is
	// still expected. Returns ErrStatusConflict otherwise.
	UpdatePayment(ctx context.Context, p *PaymentAttempt, expected PaymentStatus) error

	// ListPayments returns payments matching the filter, newest first.
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*PaymentAttempt, error)

	// MarkEventSeen records key as seen if it is not already present (single
	// conditional insert). Returns true for the first sighting within ttl.
	MarkEventSeen(ctx context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error)

	// ForgetEvent removes a dedup key so a redelivery is processed again.
	ForgetEvent(ctx context.Context, key string) error

	// PruneEvents deletes dedup keys seen before the cutoff and returns how many were removed.
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// OperatorItem is an event that needs a human.
type OperatorItem struct {
	ID       string        `json:"id"`
	Reason   string        `json:"reason"`
	Error    string        `json:"error"`
	Event    *WebhookEvent `json:"event"`
	QueuedAt time.Time     `json:"queued_at"`
}

// OperatorQueue receives events whose reconciliation could not complete.
// Items are never dropped silently.
type OperatorQueue interface {
	Push(ctx context.Context, item *OperatorItem) error
	List(ctx context.Context, limit int) ([]*OperatorItem, error)
}

// Locker provides single-owner execution for periodic jobs.
type Locker interface {
	// TryLock acquires name for ttl. Returns false if another owner holds it.
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Unlock releases name if still held by this owner.
	Unlock(ctx context.Context, name string) error
}

// AccountDirectory resolves application accounts.
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// StaticAccounts is an in-memory AccountDirectory. Unknown accounts resolve
// to a non-test account without an e-mail.
type StaticAccounts map[string]*Account

func (s StaticAccounts) GetAccount(_ context.Context, accountID string) (*Account, error) {
	if a, ok := s[accountID]; ok {
		c := *a
		return &c, nil
	}
	return &Account{ID: accountID}, nil
}
