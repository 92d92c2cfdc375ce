// Package firestore provides a Firestore implementation of the billing.Storage interface.
// Compare-and-swap writes run inside Firestore transactions.
package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Storage implements billing.Storage, billing.Locker and billing.OperatorQueue using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	historyCollection       string
	paymentsCollection      string
	eventsCollection        string
	locksCollection         string
	operatorCollection      string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds live subscriptions keyed by account ID
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// HistoryCollection holds archived subscriptions keyed by subscription ID
	// Default: "billing_subscription_history"
	HistoryCollection string

	// PaymentsCollection is the payment ledger keyed by external payment ref
	// Default: "billing_payments"
	PaymentsCollection string

	// EventsCollection holds webhook dedup keys
	// Default: "billing_webhook_events"
	EventsCollection string

	// LocksCollection holds job locks
	// Default: "billing_locks"
	LocksCollection string

	// OperatorCollection holds events that need manual reconciliation
	// Default: "billing_operator_queue"
	OperatorCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.HistoryCollection == "" {
		config.HistoryCollection = "billing_subscription_history"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "billing_payments"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.LocksCollection == "" {
		config.LocksCollection = "billing_locks"
	}
	if config.OperatorCollection == "" {
		config.OperatorCollection = "billing_operator_queue"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		historyCollection:       config.HistoryCollection,
		paymentsCollection:      config.PaymentsCollection,
		eventsCollection:        config.EventsCollection,
		locksCollection:         config.LocksCollection,
		operatorCollection:      config.OperatorCollection,
		now:                     func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetSubscription implements billing.Storage
func (s *Storage) GetSubscription(ctx context.Context, accountID string) (*billing.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Data()), nil
}

// CreateSubscription implements billing.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.AccountID == "" {
		return fmt.Errorf("invalid subscription")
	}
	stored := sub.Clone()
	stored.Version = 1
	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.AccountID).Create(ctx, subscriptionData(stored))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return billing.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.Version = 1
	return nil
}

// UpdateSubscription implements billing.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.AccountID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrSubscriptionNotFound
			}
			return err
		}
		current := subscriptionFromData(snap.Data())
		if current.ID != sub.ID || current.Version != sub.Version {
			return billing.ErrVersionConflict
		}
		next := sub.Clone()
		next.Version++
		return tx.Set(doc, subscriptionData(next))
	})
	if err != nil {
		return err
	}
	sub.Version++
	return nil
}

// ReplaceSubscription implements billing.Storage
func (s *Storage) ReplaceSubscription(ctx context.Context, prev, next *billing.Subscription) error {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(prev.AccountID)
	version := prev.Version + 1
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrVersionConflict
			}
			return err
		}
		current := subscriptionFromData(snap.Data())
		if current.ID != prev.ID || current.Version != prev.Version {
			return billing.ErrVersionConflict
		}

		archivedAt := s.now()
		current.ArchivedAt = &archivedAt
		if err := tx.Set(s.client.Collection(s.historyCollection).Doc(current.ID), subscriptionData(current)); err != nil {
			return err
		}

		live := next.Clone()
		live.Version = version
		return tx.Set(doc, subscriptionData(live))
	})
	if err != nil {
		return err
	}
	next.Version = version
	return nil
}

// ListSubscriptions implements billing.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error) {
	collections := []string{s.subscriptionsCollection}
	if filter.IncludeArchived {
		collections = append(collections, s.historyCollection)
	}

	var out []*billing.Subscription
	for _, coll := range collections {
		q := s.client.Collection(coll).Query
		if filter.AccountID != "" {
			q = q.Where("accountId", "==", filter.AccountID)
		}
		if len(filter.States) > 0 {
			states := make([]string, len(filter.States))
			for i, st := range filter.States {
				states[i] = string(st)
			}
			q = q.Where("state", "in", states)
		}
		docs, err := q.Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		for _, snap := range docs {
			sub := subscriptionFromData(snap.Data())
			if filter.Matches(sub) {
				out = append(out, sub)
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
	doc := s.client.Collection(s.paymentsCollection).Doc(p.ExternalPaymentRef)
	_, err := doc.Create(ctx, paymentData(p))
	if err == nil {
		return p.Clone(), true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	existing, err := s.GetPayment(ctx, p.ExternalPaymentRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetPayment implements billing.Storage
func (s *Storage) GetPayment(ctx context.Context, ref string) (*billing.PaymentAttempt, error) {
	snap, err := s.client.Collection(s.paymentsCollection).Doc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrPaymentNotFound
	}
	return paymentFromData(snap.Data()), nil
}

// UpdatePayment implements billing.Storage
func (s *Storage) UpdatePayment(ctx context.Context, p *billing.PaymentAttempt, expected billing.PaymentStatus) error {
	doc := s.client.Collection(s.paymentsCollection).Doc(p.ExternalPaymentRef)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrPaymentNotFound
			}
			return err
		}
		if billing.PaymentStatus(getString(snap.Data(), "status")) != expected {
			return billing.ErrStatusConflict
		}
		return tx.Set(doc, paymentData(p))
	})
}

// ListPayments implements billing.Storage
func (s *Storage) ListPayments(ctx context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error) {
	q := s.client.Collection(s.paymentsCollection).Query
	if filter.AccountID != "" {
		q = q.Where("accountId", "==", filter.AccountID)
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	var out []*billing.PaymentAttempt
	for _, snap := range docs {
		p := paymentFromData(snap.Data())
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	// Sorted client side so no composite index is required
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
func (s *Storage) MarkEventSeen(ctx context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	doc := s.client.Collection(s.eventsCollection).Doc(key)
	first := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		first = false
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			prev := getTime(snap.Data(), "seenAt")
			if ttl <= 0 || !prev.Before(seenAt.Add(-ttl)) {
				return nil
			}
		}
		first = true
		return tx.Set(doc, map[string]interface{}{
			"key":    key,
			"seenAt": seenAt,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark event: %w", err)
	}
	return first, nil
}

// ForgetEvent implements billing.Storage
func (s *Storage) ForgetEvent(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.eventsCollection).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// PruneEvents implements billing.Storage
func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	docs, err := s.client.Collection(s.eventsCollection).Where("seenAt", "<", before).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired events: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			return 0, fmt.Errorf("failed to prune event: %w", err)
		}
	}
	bw.End()
	return len(docs), nil
}

// TryLock implements billing.Locker
func (s *Storage) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	doc := s.client.Collection(s.locksCollection).Doc(name)
	acquired := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := s.now()
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() && now.Before(getTime(snap.Data(), "expiresAt")) {
			return nil
		}
		acquired = true
		return tx.Set(doc, map[string]interface{}{
			"expiresAt": now.Add(ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return acquired, nil
}

// Unlock implements billing.Locker
func (s *Storage) Unlock(ctx context.Context, name string) error {
	if _, err := s.client.Collection(s.locksCollection).Doc(name).Delete(ctx); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Push implements billing.OperatorQueue
func (s *Storage) Push(ctx context.Context, item *billing.OperatorItem) error {
	event, err := json.Marshal(item.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.client.Collection(s.operatorCollection).Doc(item.ID).Set(ctx, map[string]interface{}{
		"reason":   item.Reason,
		"error":    item.Error,
		"event":    string(event),
		"queuedAt": item.QueuedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to push operator item: %w", err)
	}
	return nil
}

// List implements billing.OperatorQueue
func (s *Storage) List(ctx context.Context, limit int) ([]*billing.OperatorItem, error) {
	q := s.client.Collection(s.operatorCollection).OrderBy("queuedAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list operator items: %w", err)
	}
	out := make([]*billing.OperatorItem, 0, len(docs))
	for _, snap := range docs {
		data := snap.Data()
		item := &billing.OperatorItem{
			ID:       snap.Ref.ID,
			Reason:   getString(data, "reason"),
			Error:    getString(data, "error"),
			QueuedAt: getTime(data, "queuedAt"),
		}
		if raw := getString(data, "event"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &item.Event); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// Document mapping

func subscriptionData(sub *billing.Subscription) map[string]interface{} {
	applied := make(map[string]interface{}, len(sub.AppliedPayments))
	for ref, st := range sub.AppliedPayments {
		applied[ref] = string(st)
	}
	data := map[string]interface{}{
		"id":                      sub.ID,
		"accountId":               sub.AccountID,
		"plan":                    string(sub.Plan),
		"state":                   string(sub.State),
		"currentPeriodStart":      sub.CurrentPeriodStart,
		"currentPeriodEnd":        sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd":       sub.CancelAtPeriodEnd,
		"trialEndsAt":             sub.TrialEndsAt,
		"externalSubscriptionRef": sub.ExternalSubscriptionRef,
		"amountMinorUnits":        sub.AmountMinorUnits,
		"currency":                sub.Currency,
		"isTestAccount":           sub.IsTestAccount,
		"failedPayments":          sub.FailedPayments,
		"createdAt":               sub.CreatedAt,
		"stateChangedAt":          sub.StateChangedAt,
		"cancelChangedAt":         sub.CancelChangedAt,
		"appliedPayments":         applied,
		"updatedAt":               sub.UpdatedAt,
		"version":                 sub.Version,
	}
	if sub.ActivatedAt != nil {
		data["activatedAt"] = *sub.ActivatedAt
	}
	if sub.CanceledAt != nil {
		data["canceledAt"] = *sub.CanceledAt
	}
	if sub.ArchivedAt != nil {
		data["archivedAt"] = *sub.ArchivedAt
	}
	return data
}

func subscriptionFromData(data map[string]interface{}) *billing.Subscription {
	sub := &billing.Subscription{
		ID:                      getString(data, "id"),
		AccountID:               getString(data, "accountId"),
		Plan:                    billing.Plan(getString(data, "plan")),
		State:                   billing.State(getString(data, "state")),
		CurrentPeriodStart:      getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:        getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:       getBool(data, "cancelAtPeriodEnd"),
		TrialEndsAt:             getTime(data, "trialEndsAt"),
		ExternalSubscriptionRef: getString(data, "externalSubscriptionRef"),
		AmountMinorUnits:        getInt64(data, "amountMinorUnits"),
		Currency:                getString(data, "currency"),
		IsTestAccount:           getBool(data, "isTestAccount"),
		FailedPayments:          int(getInt64(data, "failedPayments")),
		CreatedAt:               getTime(data, "createdAt"),
		ActivatedAt:             getTimePtr(data, "activatedAt"),
		CanceledAt:              getTimePtr(data, "canceledAt"),
		ArchivedAt:              getTimePtr(data, "archivedAt"),
		StateChangedAt:          getTime(data, "stateChangedAt"),
		CancelChangedAt:         getTime(data, "cancelChangedAt"),
		UpdatedAt:               getTime(data, "updatedAt"),
		Version:                 getInt64(data, "version"),
	}
	if m, ok := data["appliedPayments"].(map[string]interface{}); ok && len(m) > 0 {
		sub.AppliedPayments = make(map[string]billing.PaymentStatus, len(m))
		for ref, v := range m {
			if st, ok := v.(string); ok {
				sub.AppliedPayments[ref] = billing.PaymentStatus(st)
			}
		}
	}
	return sub
}

func paymentData(p *billing.PaymentAttempt) map[string]interface{} {
	data := map[string]interface{}{
		"externalPaymentRef": p.ExternalPaymentRef,
		"parentPaymentRef":   p.ParentPaymentRef,
		"gateway":            p.Gateway,
		"accountId":          p.AccountID,
		"plan":               string(p.Plan),
		"amountMinorUnits":   p.AmountMinorUnits,
		"refundedMinorUnits": p.RefundedMinorUnits,
		"currency":           p.Currency,
		"status":             string(p.Status),
		"rawGatewayStatus":   p.RawGatewayStatus,
		"redirectUrl":        p.RedirectURL,
		"isTestAccount":      p.IsTestAccount,
		"createdAt":          p.CreatedAt,
		"updatedAt":          p.UpdatedAt,
	}
	if p.PaidAt != nil {
		data["paidAt"] = *p.PaidAt
	}
	return data
}

func paymentFromData(data map[string]interface{}) *billing.PaymentAttempt {
	return &billing.PaymentAttempt{
		ExternalPaymentRef: getString(data, "externalPaymentRef"),
		ParentPaymentRef:   getString(data, "parentPaymentRef"),
		Gateway:            getString(data, "gateway"),
		AccountID:          getString(data, "accountId"),
		Plan:               billing.Plan(getString(data, "plan")),
		AmountMinorUnits:   getInt64(data, "amountMinorUnits"),
		RefundedMinorUnits: getInt64(data, "refundedMinorUnits"),
		Currency:           getString(data, "currency"),
		Status:             billing.PaymentStatus(getString(data, "status")),
		RawGatewayStatus:   getString(data, "rawGatewayStatus"),
		RedirectURL:        getString(data, "redirectUrl"),
		IsTestAccount:      getBool(data, "isTestAccount"),
		CreatedAt:          getTime(data, "createdAt"),
		PaidAt:             getTimePtr(data, "paidAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}
