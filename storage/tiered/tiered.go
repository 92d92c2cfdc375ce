// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// ephemeral store (Hot) in front of a durable store (Cold) for webhook
// deduplication, while subscriptions and the ledger stay in Cold.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) used to filter webhook redeliveries
	Hot billing.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billing.Storage

	// AsyncEventSync records first sightings in Cold in the background. Hot's
	// answer is then final, which is faster but loses dedup history if Hot is
	// flushed before the sync completes.
	AsyncEventSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// Strategies per data type:
// - Cold-Only: Subscriptions and payments (compare-and-swap needs the source of truth)
// - Hot-Filter/Cold-Truth: Webhook dedup keys (Hot answers "seen" fast, Cold decides "first")
// - Hot-Primary: Locks (Hot when it can lock, otherwise Cold)
type Storage struct {
	hot  billing.Storage
	cold billing.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncEventSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncEventSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportAsyncError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportAsyncError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// enqueue schedules job on the worker, or runs the error handler if the buffer is full.
func (s *Storage) enqueue(job func() error) {
	select {
	case s.syncQueue <- job:
	default:
		s.reportAsyncError(errors.New("tiered sync buffer full, dropping cold write"))
	}
}

// --- Strategy: Cold-Only ---

// GetSubscription implements billing.Storage.
func (s *Storage) GetSubscription(ctx context.Context, accountID string) (*billing.Subscription, error) {
	return s.cold.GetSubscription(ctx, accountID)
}

// CreateSubscription implements billing.Storage.
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	return s.cold.CreateSubscription(ctx, sub)
}

// UpdateSubscription implements billing.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	return s.cold.UpdateSubscription(ctx, sub)
}

// ReplaceSubscription implements billing.Storage.
func (s *Storage) ReplaceSubscription(ctx context.Context, prev, next *billing.Subscription) error {
	return s.cold.ReplaceSubscription(ctx, prev, next)
}

// ListSubscriptions implements billing.Storage.
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error) {
	return s.cold.ListSubscriptions(ctx, filter)
}

// InsertPayment implements billing.Storage.
func (s *Storage) InsertPayment(ctx context.Context, p *billing.PaymentAttempt) (*billing.PaymentAttempt, bool, error) {
	return s.cold.InsertPayment(ctx, p)
}

// GetPayment implements billing.Storage.
func (s *Storage) GetPayment(ctx context.Context, ref string) (*billing.PaymentAttempt, error) {
	return s.cold.GetPayment(ctx, ref)
}

// UpdatePayment implements billing.Storage.
func (s *Storage) UpdatePayment(ctx context.Context, p *billing.PaymentAttempt, expected billing.PaymentStatus) error {
	return s.cold.UpdatePayment(ctx, p, expected)
}

// ListPayments implements billing.Storage.
func (s *Storage) ListPayments(ctx context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error) {
	return s.cold.ListPayments(ctx, filter)
}

// --- Strategy: Hot-Filter/Cold-Truth ---

// MarkEventSeen implements billing.Storage. A key Hot has already seen is a
// duplicate without touching Cold. Otherwise Cold decides, unless
// AsyncEventSync is set, in which case Hot's answer is final and Cold is
// written in the background. If Hot fails, Cold answers alone.
func (s *Storage) MarkEventSeen(ctx context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	first, err := s.hot.MarkEventSeen(ctx, key, seenAt, ttl)
	if err != nil {
		return s.cold.MarkEventSeen(ctx, key, seenAt, ttl)
	}
	if !first {
		return false, nil
	}

	if s.conf.AsyncEventSync {
		bg := context.WithoutCancel(ctx)
		s.enqueue(func() error {
			_, err := s.cold.MarkEventSeen(bg, key, seenAt, ttl)
			return err
		})
		return true, nil
	}

	first, err = s.cold.MarkEventSeen(ctx, key, seenAt, ttl)
	if err != nil {
		// Release Hot so a retry is not mistaken for a duplicate.
		_ = s.hot.ForgetEvent(ctx, key) //nolint:errcheck // Best effort - Cold failed anyway
		return false, err
	}
	return first, nil
}

// ForgetEvent implements billing.Storage, removing the key from both tiers.
func (s *Storage) ForgetEvent(ctx context.Context, key string) error {
	if err := s.cold.ForgetEvent(ctx, key); err != nil {
		return err
	}
	return s.hot.ForgetEvent(ctx, key)
}

// PruneEvents implements billing.Storage and reports the Cold count.
func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	if _, err := s.hot.PruneEvents(ctx, before); err != nil {
		s.reportAsyncError(fmt.Errorf("hot prune failed: %w", err))
	}
	return s.cold.PruneEvents(ctx, before)
}

// --- Strategy: Hot-Primary ---

func (s *Storage) locker() (billing.Locker, error) {
	if l, ok := s.hot.(billing.Locker); ok {
		return l, nil
	}
	if l, ok := s.cold.(billing.Locker); ok {
		return l, nil
	}
	return nil, errors.New("tiered storage: neither tier supports locking")
}

// TryLock implements billing.Locker.
func (s *Storage) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l, err := s.locker()
	if err != nil {
		return false, err
	}
	return l.TryLock(ctx, name, ttl)
}

// Unlock implements billing.Locker.
func (s *Storage) Unlock(ctx context.Context, name string) error {
	l, err := s.locker()
	if err != nil {
		return err
	}
	return l.Unlock(ctx, name)
}
