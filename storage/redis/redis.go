// Package redis provides a Redis implementation of the billing.Storage interface.
// Compare-and-swap writes run as Lua scripts so each one is a single atomic step.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage, billing.Locker and billing.OperatorQueue using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	owner   string
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// OperatorQueueKey names the operator list, relative to KeyPrefix (default: "operator")
	OperatorQueueKey string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "gobilling:",
		OperatorQueueKey: "operator",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}
	if config.OperatorQueueKey == "" {
		config.OperatorQueueKey = "operator"
	}

	s := &Storage{
		client:  client,
		config:  config,
		owner:   uuid.NewString(),
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Create the live subscription unless one exists
	s.scripts["createSub"] = redis.NewScript(`
		local subKey = KEYS[1]
		local indexKey = KEYS[2]
		if redis.call('EXISTS', subKey) == 1 then
			return 0
		end
		redis.call('HSET', subKey, 'id', ARGV[1], 'version', ARGV[2], 'data', ARGV[3])
		redis.call('SADD', indexKey, ARGV[4])
		return 1
	`)

	// Overwrite the live subscription if id and version still match
	s.scripts["updateSub"] = redis.NewScript(`
		local subKey = KEYS[1]
		local current = redis.call('HMGET', subKey, 'id', 'version')
		if not current[1] then
			return -1
		end
		if current[1] ~= ARGV[1] or current[2] ~= ARGV[2] then
			return 0
		end
		redis.call('HSET', subKey, 'version', ARGV[3], 'data', ARGV[4])
		return 1
	`)

	// Archive the live subscription and install a new one
	s.scripts["replaceSub"] = redis.NewScript(`
		local subKey = KEYS[1]
		local historyKey = KEYS[2]
		local current = redis.call('HMGET', subKey, 'id', 'version')
		if not current[1] or current[1] ~= ARGV[1] or current[2] ~= ARGV[2] then
			return 0
		end
		redis.call('RPUSH', historyKey, ARGV[3])
		redis.call('HSET', subKey, 'id', ARGV[4], 'version', ARGV[5], 'data', ARGV[6])
		return 1
	`)

	// Insert a payment unless the ref exists; returns {created, data}
	s.scripts["insertPayment"] = redis.NewScript(`
		local payKey = KEYS[1]
		local indexKey = KEYS[2]
		local existing = redis.call('HGET', payKey, 'data')
		if existing then
			return {0, existing}
		end
		redis.call('HSET', payKey, 'status', ARGV[1], 'data', ARGV[2])
		redis.call('ZADD', indexKey, ARGV[3], ARGV[4])
		return {1, ARGV[2]}
	`)

	// Update a payment if its status is still the expected one
	s.scripts["updatePayment"] = redis.NewScript(`
		local payKey = KEYS[1]
		local status = redis.call('HGET', payKey, 'status')
		if not status then
			return -1
		end
		if status ~= ARGV[1] then
			return 0
		end
		redis.call('HSET', payKey, 'status', ARGV[2], 'data', ARGV[3])
		return 1
	`)

	// Release a lock only if this owner still holds it
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// GetSubscription implements billing.Storage
func (s *Storage) GetSubscription(ctx context.Context, accountID string) (*billing.Subscription, error) {
	data, err := s.client.HGet(ctx, s.subscriptionKey(accountID), "data").Result()
	if err == redis.Nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(data)
}

// CreateSubscription implements billing.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.AccountID == "" {
		return fmt.Errorf("invalid subscription")
	}

	c := sub.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	res, err := s.scripts["createSub"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.AccountID), s.subscriptionIndexKey()},
		c.ID, 1, string(data), sub.AccountID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if res == 0 {
		return billing.ErrSubscriptionExists
	}
	sub.Version = 1
	return nil
}

// UpdateSubscription implements billing.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	c := sub.Clone()
	c.Version = sub.Version + 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	res, err := s.scripts["updateSub"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.AccountID)},
		sub.ID, sub.Version, c.Version, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	switch res {
	case -1:
		return billing.ErrSubscriptionNotFound
	case 0:
		return billing.ErrVersionConflict
	}
	sub.Version = c.Version
	return nil
}

// ReplaceSubscription implements billing.Storage
func (s *Storage) ReplaceSubscription(ctx context.Context, prev, next *billing.Subscription) error {
	archived := prev.Clone()
	archivedAt := time.Now().UTC()
	archived.ArchivedAt = &archivedAt
	oldData, err := json.Marshal(archived)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	n := next.Clone()
	n.Version = prev.Version + 1
	newData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	res, err := s.scripts["replaceSub"].Run(ctx, s.client,
		[]string{s.subscriptionKey(prev.AccountID), s.historyKey(prev.AccountID)},
		prev.ID, prev.Version, string(oldData), n.ID, n.Version, string(newData),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to replace subscription: %w", err)
	}
	if res == 0 {
		return billing.ErrVersionConflict
	}
	next.Version = n.Version
	return nil
}

// ListSubscriptions implements billing.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error) {
	accounts := []string{filter.AccountID}
	if filter.AccountID == "" {
		var err error
		accounts, err = s.client.SMembers(ctx, s.subscriptionIndexKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
	}

	var out []*billing.Subscription
	for _, accountID := range accounts {
		sub, err := s.GetSubscription(ctx, accountID)
		if err != nil && err != billing.ErrSubscriptionNotFound {
			return nil, err
		}
		if sub != nil && filter.Matches(sub) {
			out = append(out, sub)
		}
		if !filter.IncludeArchived {
			continue
		}
		history, err := s.client.LRange(ctx, s.historyKey(accountID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read subscription history: %w", err)
		}
		for _, data := range history {
			old, err := decodeSubscription(data)
			if err != nil {
				return nil, err
			}
			if filter.Matches(old) {
				out = append(out, old)
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
func (s *Storage) InsertPayment(ctx context.Context, p *billing.PaymentAttempt) (*billing.PaymentAttempt, bool, error) {
	if p == nil || p.ExternalPaymentRef == "" {
		return nil, false, fmt.Errorf("invalid payment")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal payment: %w", err)
	}

	res, err := s.scripts["insertPayment"].Run(ctx, s.client,
		[]string{s.paymentKey(p.ExternalPaymentRef), s.paymentIndexKey()},
		string(p.Status), string(data), p.CreatedAt.UnixNano(), p.ExternalPaymentRef,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected insert result: %v", res)
	}
	created, _ := res[0].(int64)
	stored, _ := res[1].(string)
	out, err := decodePayment(stored)
	if err != nil {
		return nil, false, err
	}
	return out, created == 1, nil
}

// GetPayment implements billing.Storage
func (s *Storage) GetPayment(ctx context.Context, ref string) (*billing.PaymentAttempt, error) {
	data, err := s.client.HGet(ctx, s.paymentKey(ref), "data").Result()
	if err == redis.Nil {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return decodePayment(data)
}

// UpdatePayment implements billing.Storage
func (s *Storage) UpdatePayment(ctx context.Context, p *billing.PaymentAttempt, expected billing.PaymentStatus) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}
	res, err := s.scripts["updatePayment"].Run(ctx, s.client,
		[]string{s.paymentKey(p.ExternalPaymentRef)},
		string(expected), string(p.Status), string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	switch res {
	case -1:
		return billing.ErrPaymentNotFound
	case 0:
		return billing.ErrStatusConflict
	}
	return nil
}

// ListPayments implements billing.Storage
func (s *Storage) ListPayments(ctx context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = strconv.FormatInt(filter.From.UnixNano(), 10)
	}
	if !filter.To.IsZero() {
		rng.Max = "(" + strconv.FormatInt(filter.To.UnixNano(), 10)
	}
	refs, err := s.client.ZRevRangeByScore(ctx, s.paymentIndexKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	var out []*billing.PaymentAttempt
	for _, ref := range refs {
		p, err := s.GetPayment(ctx, ref)
		if err == billing.ErrPaymentNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(p) {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkEventSeen implements billing.Storage with a single SET NX.
func (s *Storage) MarkEventSeen(ctx context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.eventKey(key), seenAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event: %w", err)
	}
	return ok, nil
}

// ForgetEvent implements billing.Storage
func (s *Storage) ForgetEvent(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.eventKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// PruneEvents implements billing.Storage. Event keys carry their own TTL in
// Redis, so there is nothing to delete.
func (s *Storage) PruneEvents(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// TryLock implements billing.Locker
func (s *Storage) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(name), s.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock implements billing.Locker
func (s *Storage) Unlock(ctx context.Context, name string) error {
	if err := s.scripts["unlock"].Run(ctx, s.client, []string{s.lockKey(name)}, s.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Push implements billing.OperatorQueue
func (s *Storage) Push(ctx context.Context, item *billing.OperatorItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal operator item: %w", err)
	}
	if err := s.client.RPush(ctx, s.config.KeyPrefix+s.config.OperatorQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push operator item: %w", err)
	}
	return nil
}

// List implements billing.OperatorQueue
func (s *Storage) List(ctx context.Context, limit int) ([]*billing.OperatorItem, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.config.KeyPrefix+s.config.OperatorQueueKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operator items: %w", err)
	}
	out := make([]*billing.OperatorItem, 0, len(raw))
	for _, data := range raw {
		var item billing.OperatorItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operator item: %w", err)
		}
		out = append(out, &item)
	}
	return out, nil
}

func decodeSubscription(data string) (*billing.Subscription, error) {
	var sub billing.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func decodePayment(data string) (*billing.PaymentAttempt, error) {
	var p billing.PaymentAttempt
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &p, nil
}

func (s *Storage) subscriptionKey(accountID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) subscriptionIndexKey() string {
	return s.config.KeyPrefix + "subs"
}

func (s *Storage) historyKey(accountID string) string {
	return fmt.Sprintf("%ssubhist:%s", s.config.KeyPrefix, accountID)
}

func (s *Storage) paymentKey(ref string) string {
	return fmt.Sprintf("%spay:%s", s.config.KeyPrefix, ref)
}

func (s *Storage) paymentIndexKey() string {
	return s.config.KeyPrefix + "payments"
}

func (s *Storage) eventKey(key string) string {
	return fmt.Sprintf("%sevt:%s", s.config.KeyPrefix, key)
}

func (s *Storage) lockKey(name string) string {
	return fmt.Sprintf("%slock:%s", s.config.KeyPrefix, name)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
