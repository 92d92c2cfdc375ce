package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Enricher completes a notification before it is applied, typically by asking
// the gateway for the payment's current status. GoPay notifications carry only ids.
type Enricher interface {
	Enrich(ctx context.Context, ev *WebhookEvent) error
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, ev *WebhookEvent) error

func (f EnricherFunc) Enrich(ctx context.Context, ev *WebhookEvent) error { return f(ctx, ev) }

// DispatcherConfig configures the webhook worker pool.
type DispatcherConfig struct {
	Processor *Processor
	// Enrichers by gateway name. Events whose ReportedStatus is empty are enriched first.
	Enrichers map[string]Enricher
	Workers   int
	QueueSize int
	// ProcessTimeout bounds one event, including enrichment.
	ProcessTimeout time.Duration
	// RetryAttempts bounds tries per event for transient failures (first try
	// included). Default: 4
	RetryAttempts int
	// RetryInterval is the first backoff interval between tries. Default: 500ms
	RetryInterval time.Duration
	Logger        Logger
}

// Dispatcher decouples webhook receipt from processing with a bounded queue
// and a fixed worker pool. Webhook handlers Enqueue and answer immediately.
type Dispatcher struct {
	processor *Processor
	enrichers map[string]Enricher
	workers   int
	timeout   time.Duration
	attempts  int
	interval  time.Duration
	queue     chan *WebhookEvent
	logger    Logger

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start the workers.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil || cfg.Processor == nil {
		return nil, errors.New("dispatcher: processor is required")
	}
	d := &Dispatcher{
		processor: cfg.Processor,
		enrichers: cfg.Enrichers,
		workers:   cfg.Workers,
		timeout:   cfg.ProcessTimeout,
		attempts:  cfg.RetryAttempts,
		interval:  cfg.RetryInterval,
		logger:    cfg.Logger,
		stopped:   make(chan struct{}),
	}
	if d.workers <= 0 {
		d.workers = 8
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.attempts <= 0 {
		d.attempts = 4
	}
	if d.interval <= 0 {
		d.interval = 500 * time.Millisecond
	}
	if d.logger == nil {
		d.logger = &NoopLogger{}
	}
	d.queue = make(chan *WebhookEvent, size)
	return d, nil
}

// Enqueue hands an event to the workers without blocking.
func (d *Dispatcher) Enqueue(ev *WebhookEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: dispatcher closed", ErrQueueFull)
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run processes events until ctx is canceled, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)

	g := new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}

	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	return g.Wait()
}

// Done is closed after Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

func (d *Dispatcher) work(ctx context.Context) {
	for ev := range d.queue {
		// Draining after shutdown still gets a bounded, uncanceled context.
		base := ctx
		if ctx.Err() != nil {
			base = context.WithoutCancel(ctx)
		}
		d.Process(base, ev)
	}
}

// Process enriches and applies one event synchronously. Transient failures are
// retried with backoff within the process timeout. The webhook was already
// acknowledged, so an event that still fails goes to the operator queue.
func (d *Dispatcher) Process(ctx context.Context, ev *WebhookEvent) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var res *Result
	op := func() error {
		var err error
		res, err = d.processOnce(ctx, ev)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.interval
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("notification failed, retrying",
			Field{"gateway", ev.Gateway},
			Field{"payment_ref", ev.ExternalPaymentRef},
			Field{"wait", wait},
			ErrField(err),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.attempts-1)), ctx), notify)
	if err != nil {
		d.logger.Warn("failed to process notification",
			Field{"gateway", ev.Gateway},
			Field{"payment_ref", ev.ExternalPaymentRef},
			Field{"status", ev.ReportedStatus},
			ErrField(err),
		)
		// Rejections are final and conflicts were surfaced by the processor.
		if transient(err) {
			d.processor.surface(context.WithoutCancel(ctx), ev, "retries_exhausted", err)
		}
		return
	}
	if res.Duplicate {
		return
	}
	d.logger.Debug("notification applied",
		Field{"gateway", ev.Gateway},
		Field{"payment_ref", ev.ExternalPaymentRef},
		Field{"payment_changed", res.PaymentChanged},
		Field{"subscription_changed", res.SubscriptionChanged},
	)
}

func (d *Dispatcher) processOnce(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	if ev.ReportedStatus == "" {
		enricher, ok := d.enrichers[ev.Gateway]
		if !ok {
			return nil, fmt.Errorf("%w: no enricher for gateway %q", ErrInvalidWebhookPayload, ev.Gateway)
		}
		if err := enricher.Enrich(ctx, ev); err != nil {
			return nil, fmt.Errorf("enrich: %w", err)
		}
	}
	return d.processor.Apply(ctx, ev)
}

// transient reports whether err may clear on its own. Domain rejections and
// exhausted conflict retries do not.
func transient(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidWebhookPayload),
		errors.Is(err, ErrUnknownPayment),
		errors.Is(err, ErrUnknownTransition),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrReconciliationConflict):
		return false
	}
	return true
}
