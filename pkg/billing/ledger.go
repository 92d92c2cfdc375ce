package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const ledgerMaxRetries = 3

// StatusUpdate is a requested ledger status change.
type StatusUpdate struct {
	Status    PaymentStatus
	RawStatus string
	// OccurredAt stamps PaidAt when the payment succeeds. Zero means now.
	OccurredAt time.Time
	// RefundedMinorUnits is the refunded amount for refunds; 0 means the full amount.
	RefundedMinorUnits int64
}

// Ledger is the append-only store of payment attempts.
type Ledger struct {
	storage Storage
	logger  Logger
	metrics Metrics
	clock   Clock
}

// NewLedger creates a ledger over storage. Nil logger/metrics/clock use no-op defaults.
func NewLedger(storage Storage, logger Logger, metrics Metrics, clock Clock) *Ledger {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{storage: storage, logger: logger, metrics: metrics, clock: clock}
}

// Record inserts attempt. If the ref already exists the stored row is returned
// unchanged and no error is reported.
func (l *Ledger) Record(ctx context.Context, attempt *PaymentAttempt) (*PaymentAttempt, error) {
	if attempt.ExternalPaymentRef == "" {
		return nil, fmt.Errorf("%w: empty payment ref", ErrInvalidWebhookPayload)
	}
	a := attempt.Clone()
	now := l.clock.Now()
	if a.Status == "" {
		a.Status = PaymentPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	stored, created, err := l.storage.InsertPayment(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment %s: %w", a.ExternalPaymentRef, err)
	}
	if !created {
		l.logger.Debug("payment already recorded",
			Field{"payment_ref", a.ExternalPaymentRef},
			Field{"status", stored.Status},
		)
	}
	return stored, nil
}

// Get returns a payment by ref.
func (l *Ledger) Get(ctx context.Context, ref string) (*PaymentAttempt, error) {
	return l.storage.GetPayment(ctx, ref)
}

// List returns payments matching filter.
func (l *Ledger) List(ctx context.Context, filter PaymentFilter) ([]*PaymentAttempt, error) {
	return l.storage.ListPayments(ctx, filter)
}

// UpdateStatus moves a payment to a new status if the transition table allows it.
// A disallowed transition is a logged no-op. It returns the current row and
// whether this call changed it.
func (l *Ledger) UpdateStatus(ctx context.Context, ref string, upd StatusUpdate) (*PaymentAttempt, bool, error) {
	for attempt := 0; attempt < ledgerMaxRetries; attempt++ {
		current, err := l.storage.GetPayment(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		if current.Status == upd.Status {
			return current, false, nil
		}
		if !CanTransitionPayment(current.Status, upd.Status) {
			l.metrics.RecordLedgerTransition(current.Status, upd.Status, false)
			l.logger.Warn("ignoring ledger transition",
				Field{"payment_ref", ref},
				Field{"from", current.Status},
				Field{"to", upd.Status},
				Field{"raw_status", upd.RawStatus},
				ErrField(ErrUnknownTransition),
			)
			return current, false, nil
		}

		next := current.Clone()
		now := l.clock.Now()
		next.Status = upd.Status
		if upd.RawStatus != "" {
			next.RawGatewayStatus = upd.RawStatus
		}
		next.UpdatedAt = now
		switch upd.Status {
		case PaymentSucceeded:
			paidAt := upd.OccurredAt
			if paidAt.IsZero() {
				paidAt = now
			}
			next.PaidAt = timePtr(paidAt)
		case PaymentRefunded:
			refunded := upd.RefundedMinorUnits
			if refunded <= 0 || refunded > next.AmountMinorUnits {
				refunded = next.AmountMinorUnits
			}
			next.RefundedMinorUnits = refunded
		}

		err = l.storage.UpdatePayment(ctx, next, current.Status)
		if errors.Is(err, ErrStatusConflict) {
			l.metrics.RecordVersionConflict("payment")
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to update payment %s: %w", ref, err)
		}

		l.metrics.RecordLedgerTransition(current.Status, upd.Status, true)
		l.logger.Info("ledger transition",
			Field{"payment_ref", ref},
			Field{"account_id", next.AccountID},
			Field{"from", current.Status},
			Field{"to", upd.Status},
		)
		return next, true, nil
	}
	return nil, false, fmt.Errorf("%w: payment %s", ErrVersionConflict, ref)
}
