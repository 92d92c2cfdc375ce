// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	live     map[string]*billing.Subscription
	archived []*billing.Subscription
	payments map[string]*billing.PaymentAttempt
	events   map[string]time.Time
	locks    map[string]time.Time
	now      func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		live:     make(map[string]*billing.Subscription),
		payments: make(map[string]*billing.PaymentAttempt),
		events:   make(map[string]time.Time),
		locks:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock makes lock expiry follow clock. Used by tests that fake time.
func (s *Storage) WithClock(clock billing.Clock) *Storage {
	s.now = clock.Now
	return s
}

// GetSubscription implements billing.Storage
func (s *Storage) GetSubscription(_ context.Context, accountID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.live[accountID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// CreateSubscription implements billing.Storage
func (s *Storage) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.AccountID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live[sub.AccountID]; exists {
		return billing.ErrSubscriptionExists
	}
	sub.Version = 1
	s.live[sub.AccountID] = sub.Clone()
	return nil
}

// UpdateSubscription implements billing.Storage
func (s *Storage) UpdateSubscription(_ context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live[sub.AccountID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if current.Version != sub.Version || current.ID != sub.ID {
		return billing.ErrVersionConflict
	}
	sub.Version++
	s.live[sub.AccountID] = sub.Clone()
	return nil
}

// ReplaceSubscription implements billing.Storage
func (s *Storage) ReplaceSubscription(_ context.Context, prev, next *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live[prev.AccountID]
	if !ok || current.ID != prev.ID || current.Version != prev.Version {
		return billing.ErrVersionConflict
	}
	old := current.Clone()
	archivedAt := s.now().UTC()
	old.ArchivedAt = &archivedAt
	s.archived = append(s.archived, old)

	next.Version = prev.Version + 1
	s.live[next.AccountID] = next.Clone()
	return nil
}

// ListSubscriptions implements billing.Storage
func (s *Storage) ListSubscriptions(_ context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Subscription
	for _, sub := range s.live {
		if filter.Matches(sub) {
			out = append(out, sub.Clone())
		}
	}
	if filter.IncludeArchived {
		for _, sub := range s.archived {
			if filter.Matches(sub) {
				out = append(out, sub.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// InsertPayment implements billing.Storage
func (s *Storage) InsertPayment(_ context.Context, p *billing.PaymentAttempt) (*billing.PaymentAttempt, bool, error) {
	if p == nil || p.ExternalPaymentRef == "" {
		return nil, false, fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[p.ExternalPaymentRef]; ok {
		return existing.Clone(), false, nil
	}
	s.payments[p.ExternalPaymentRef] = p.Clone()
	return p.Clone(), true, nil
}

// GetPayment implements billing.Storage
func (s *Storage) GetPayment(_ context.Context, ref string) (*billing.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[ref]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

// UpdatePayment implements billing.Storage
func (s *Storage) UpdatePayment(_ context.Context, p *billing.PaymentAttempt, expected billing.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.payments[p.ExternalPaymentRef]
	if !ok {
		return billing.ErrPaymentNotFound
	}
	if current.Status != expected {
		return billing.ErrStatusConflict
	}
	s.payments[p.ExternalPaymentRef] = p.Clone()
	return nil
}

// ListPayments implements billing.Storage
func (s *Storage) ListPayments(_ context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.PaymentAttempt
	for _, p := range s.payments {
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ExternalPaymentRef > out[j].ExternalPaymentRef
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkEventSeen implements billing.Storage
func (s *Storage) MarkEventSeen(_ context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.events[key]; ok && (ttl <= 0 || seenAt.Sub(prev) < ttl) {
		return false, nil
	}
	s.events[key] = seenAt
	return true, nil
}

// ForgetEvent implements billing.Storage
func (s *Storage) ForgetEvent(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, key)
	return nil
}

// PruneEvents implements billing.Storage
func (s *Storage) PruneEvents(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, seenAt := range s.events {
		if seenAt.Before(before) {
			delete(s.events, key)
			n++
		}
	}
	return n, nil
}

// TryLock implements billing.Locker
func (s *Storage) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.locks[name]; held && now.Before(until) {
		return false, nil
	}
	s.locks[name] = now.Add(ttl)
	return true, nil
}

// Unlock implements billing.Locker
func (s *Storage) Unlock(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, name)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = make(map[string]*billing.Subscription)
	s.archived = nil
	s.payments = make(map[string]*billing.PaymentAttempt)
	s.events = make(map[string]time.Time)
	s.locks = make(map[string]time.Time)
}
