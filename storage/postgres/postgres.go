// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Subscriptions use a version column for compare-and-swap updates; the ledger uses
// status-conditioned updates. Schema migrations are embedded and run with goose.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Storage implements billing.Storage, billing.Locker and billing.OperatorQueue using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	owner  string

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long webhook dedup keys are kept
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		EventRetention:  billing.DefaultDedupRetention,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.EventRetention <= 0 {
		config.EventRetention = billing.DefaultDedupRetention
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create context for background cleanup worker
	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		owner:       uuid.NewString(),
		stopCleanup: cancel,
	}

	// Start cleanup goroutine if enabled
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate applies all pending schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup() // Stop the background cleanup routine
	}
	if s.pool != nil {
		s.pool.Close() // Close PG connection pool
	}
}

const subscriptionColumns = `id, account_id, plan, state, current_period_start, current_period_end,
	cancel_at_period_end, trial_ends_at, external_subscription_ref, amount_minor_units, currency,
	is_test_account, failed_payments, created_at, activated_at, canceled_at, archived_at,
	state_changed_at, cancel_changed_at, applied_payments, updated_at, version`

const paymentColumns = `external_payment_ref, parent_payment_ref, gateway, account_id, plan,
	amount_minor_units, refunded_minor_units, currency, status, raw_gateway_status, redirect_url,
	is_test_account, created_at, paid_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var plan, state string
	var trialEndsAt *time.Time
	var applied []byte
	err := row.Scan(
		&sub.ID, &sub.AccountID, &plan, &state, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &trialEndsAt, &sub.ExternalSubscriptionRef, &sub.AmountMinorUnits, &sub.Currency,
		&sub.IsTestAccount, &sub.FailedPayments, &sub.CreatedAt, &sub.ActivatedAt, &sub.CanceledAt, &sub.ArchivedAt,
		&sub.StateChangedAt, &sub.CancelChangedAt, &applied, &sub.UpdatedAt, &sub.Version,
	)
	if err != nil {
		return nil, err
	}
	sub.Plan = billing.Plan(plan)
	sub.State = billing.State(state)
	if trialEndsAt != nil {
		sub.TrialEndsAt = *trialEndsAt
	}
	if len(applied) > 0 {
		if err := json.Unmarshal(applied, &sub.AppliedPayments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applied payments: %w", err)
		}
	}
	return &sub, nil
}

func scanPayment(row pgx.Row) (*billing.PaymentAttempt, error) {
	var p billing.PaymentAttempt
	var plan, status string
	err := row.Scan(
		&p.ExternalPaymentRef, &p.ParentPaymentRef, &p.Gateway, &p.AccountID, &plan,
		&p.AmountMinorUnits, &p.RefundedMinorUnits, &p.Currency, &status, &p.RawGatewayStatus, &p.RedirectURL,
		&p.IsTestAccount, &p.CreatedAt, &p.PaidAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Plan = billing.Plan(plan)
	p.Status = billing.PaymentStatus(status)
	return &p, nil
}

func appliedJSON(sub *billing.Subscription) ([]byte, error) {
	if sub.AppliedPayments == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(sub.AppliedPayments)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetSubscription implements billing.Storage
func (s *Storage) GetSubscription(ctx context.Context, accountID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE account_id = $1 AND archived_at IS NULL`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertSubscription(ctx context.Context, q execer, sub *billing.Subscription, version int64) (int64, error) {
	applied, err := appliedJSON(sub)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (account_id) WHERE archived_at IS NULL DO NOTHING`,
		sub.ID, sub.AccountID, string(sub.Plan), string(sub.State), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, nullTime(sub.TrialEndsAt), sub.ExternalSubscriptionRef, sub.AmountMinorUnits, sub.Currency,
		sub.IsTestAccount, sub.FailedPayments, sub.CreatedAt, sub.ActivatedAt, sub.CanceledAt, sub.ArchivedAt,
		sub.StateChangedAt, sub.CancelChangedAt, applied, sub.UpdatedAt, version,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateSubscription implements billing.Storage
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.AccountID == "" {
		return fmt.Errorf("invalid subscription")
	}
	n, err := insertSubscription(ctx, s.pool, sub, 1)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if n == 0 {
		return billing.ErrSubscriptionExists
	}
	sub.Version = 1
	return nil
}

// UpdateSubscription implements billing.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	applied, err := appliedJSON(sub)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				plan = $3, state = $4, current_period_start = $5, current_period_end = $6,
				cancel_at_period_end = $7, trial_ends_at = $8, external_subscription_ref = $9,
				amount_minor_units = $10, currency = $11, failed_payments = $12, activated_at = $13,
				canceled_at = $14, state_changed_at = $15, cancel_changed_at = $16,
				applied_payments = $17, updated_at = $18, version = version + 1
			WHERE id = $1 AND version = $2 AND archived_at IS NULL`,
		sub.ID, sub.Version,
		string(sub.Plan), string(sub.State), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, nullTime(sub.TrialEndsAt), sub.ExternalSubscriptionRef,
		sub.AmountMinorUnits, sub.Currency, sub.FailedPayments, sub.ActivatedAt,
		sub.CanceledAt, sub.StateChangedAt, sub.CancelChangedAt,
		applied, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE account_id = $1 AND archived_at IS NULL)`,
			sub.AccountID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if !exists {
			return billing.ErrSubscriptionNotFound
		}
		return billing.ErrVersionConflict
	}
	sub.Version++
	return nil
}

// ReplaceSubscription implements billing.Storage
func (s *Storage) ReplaceSubscription(ctx context.Context, prev, next *billing.Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`UPDATE subscriptions SET archived_at = $3
			WHERE id = $1 AND version = $2 AND archived_at IS NULL`,
		prev.ID, prev.Version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to archive subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrVersionConflict
	}

	version := prev.Version + 1
	n, err := insertSubscription(ctx, tx, next, version)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	if n == 0 {
		return billing.ErrVersionConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	next.Version = version
	return nil
}

// ListSubscriptions implements billing.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, filter billing.SubscriptionFilter) ([]*billing.Subscription, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Plan != "" {
		add("plan = $%d", string(filter.Plan))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		add("state = ANY($%d)", states)
	}
	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if !filter.IncludeTestAccounts {
		where = append(where, "NOT is_test_account")
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY account_id, created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// InsertPayment implements billing.Storage
func (s *Storage) InsertPayment(ctx context.Context, p *billing.PaymentAttempt) (*billing.PaymentAttempt, bool, error) {
	if p == nil || p.ExternalPaymentRef == "" {
		return nil, false, fmt.Errorf("invalid payment")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (external_payment_ref) DO NOTHING`,
		p.ExternalPaymentRef, p.ParentPaymentRef, p.Gateway, p.AccountID, string(p.Plan),
		p.AmountMinorUnits, p.RefundedMinorUnits, p.Currency, string(p.Status), p.RawGatewayStatus, p.RedirectURL,
		p.IsTestAccount, p.CreatedAt, p.PaidAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return p.Clone(), true, nil
	}
	existing, err := s.GetPayment(ctx, p.ExternalPaymentRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetPayment implements billing.Storage
func (s *Storage) GetPayment(ctx context.Context, ref string) (*billing.PaymentAttempt, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_payment_ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment implements billing.Storage
func (s *Storage) UpdatePayment(ctx context.Context, p *billing.PaymentAttempt, expected billing.PaymentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET
				status = $3, raw_gateway_status = $4, refunded_minor_units = $5,
				paid_at = $6, updated_at = $7
			WHERE external_payment_ref = $1 AND status = $2`,
		p.ExternalPaymentRef, string(expected),
		string(p.Status), p.RawGatewayStatus, p.RefundedMinorUnits, p.PaidAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPayment(ctx, p.ExternalPaymentRef); err != nil {
			return err
		}
		return billing.ErrStatusConflict
	}
	return nil
}

// ListPayments implements billing.Storage
func (s *Storage) ListPayments(ctx context.Context, filter billing.PaymentFilter) ([]*billing.PaymentAttempt, error) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Plan != "" {
		add("plan = $%d", string(filter.Plan))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	if !filter.IncludeTestAccounts {
		where = append(where, "NOT is_test_account")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, external_payment_ref DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*billing.PaymentAttempt
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkEventSeen implements billing.Storage. The conditional upsert is a single
// statement, so two concurrent deliveries cannot both see a first sighting.
func (s *Storage) MarkEventSeen(ctx context.Context, key string, seenAt time.Time, ttl time.Duration) (bool, error) {
	expiredBefore := seenAt.Add(-ttl)
	if ttl <= 0 {
		expiredBefore = time.Time{}
	}
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (dedup_key, seen_at) VALUES ($1, $2)
			ON CONFLICT (dedup_key) DO UPDATE SET seen_at = EXCLUDED.seen_at
				WHERE webhook_events.seen_at < $3
			RETURNING dedup_key`,
		key, seenAt, expiredBefore).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark event: %w", err)
	}
	return true, nil
}

// ForgetEvent implements billing.Storage
func (s *Storage) ForgetEvent(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE dedup_key = $1`, key); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// PruneEvents implements billing.Storage
func (s *Storage) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE seen_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TryLock implements billing.Locker
func (s *Storage) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO job_locks (name, owner, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
				WHERE job_locks.expires_at < $4
			RETURNING name`,
		name, s.owner, now.Add(ttl), now).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil
}

// Unlock implements billing.Locker
func (s *Storage) Unlock(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE name = $1 AND owner = $2`, name, s.owner); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO operator_queue (id, reason, error, event, queued_at) VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.Reason, item.Error, event, item.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to push operator item: %w", err)
	}
	return nil
}

// List implements billing.OperatorQueue
func (s *Storage) List(ctx context.Context, limit int) ([]*billing.OperatorItem, error) {
	query := `SELECT id, reason, error, event, queued_at FROM operator_queue ORDER BY queued_at, id`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operator items: %w", err)
	}
	defer rows.Close()

	var out []*billing.OperatorItem
	for rows.Next() {
		var item billing.OperatorItem
		var event []byte
		if err := rows.Scan(&item.ID, &item.Reason, &item.Error, &event, &item.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operator item: %w", err)
		}
		if len(event) > 0 {
			if err := json.Unmarshal(event, &item.Event); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// startCleanup runs periodic pruning of expired dedup keys and locks
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Cleanup is retried on the next tick
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes expired dedup keys and locks. It can also be called manually.
func (s *Storage) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.PruneEvents(ctx, now.Add(-s.config.EventRetention)); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to cleanup locks: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
