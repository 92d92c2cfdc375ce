package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func TestDispatcher_EnrichesAndApplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.service.Provision(ctx, "acct-1")
	require.NoError(t, err)
	pay, err := h.service.CreatePayment(ctx, "acct-1", billing.PlanMonthly)
	require.NoError(t, err)
	h.gateway.setStatus(pay.ExternalPaymentRef, billing.PaymentSucceeded, h.clock.Advance(time.Minute))

	d, err := billing.NewDispatcher(&billing.DispatcherConfig{
		Processor: h.service.Processor(),
		Enrichers: map[string]billing.Enricher{
			"fake": billing.NewGatewayEnricher(h.gateway, time.Second, h.clock),
		},
		Workers: 2,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = d.Run(runCtx) }()

	// Notifications carry only the id; status comes from the gateway.
	require.NoError(t, d.Enqueue(&billing.WebhookEvent{Gateway: "fake", ExternalPaymentRef: pay.ExternalPaymentRef}))

	require.Eventually(t, func() bool {
		sub, err := h.storage.GetSubscription(ctx, "acct-1")
		return err == nil && sub.State == billing.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.ErrorIs(t, d.Enqueue(&billing.WebhookEvent{}), billing.ErrQueueFull)
}

func TestDispatcher_QueueFull(t *testing.T) {
	h := newHarness(t)
	d, err := billing.NewDispatcher(&billing.DispatcherConfig{
		Processor: h.service.Processor(),
		QueueSize: 1,
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(&billing.WebhookEvent{ExternalPaymentRef: "a"}))
	assert.ErrorIs(t, d.Enqueue(&billing.WebhookEvent{ExternalPaymentRef: "b"}), billing.ErrQueueFull)
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	h := newHarness(t)
	ref := h.activate(t, "acct-1", billing.PlanMonthly)
	h.clock.Advance(time.Hour)

	d, err := billing.NewDispatcher(&billing.DispatcherConfig{
		Processor: h.service.Processor(),
		Workers:   1,
	})
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(h.webhook(ref, billing.PaymentRefunded)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, billing.StateCanceled, h.subscription(t, "acct-1").State)
}

func newRetryingDispatcher(t *testing.T, h *harness, enricher billing.Enricher) *billing.Dispatcher {
	t.Helper()
	d, err := billing.NewDispatcher(&billing.DispatcherConfig{
		Processor:     h.service.Processor(),
		Enrichers:     map[string]billing.Enricher{"fake": enricher},
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return d
}

func TestDispatcher_TransientFailures(t *testing.T) {
	t.Run("exhausted retries go to the operator queue", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		ref := h.activate(t, "acct-1", billing.PlanMonthly)
		h.gateway.setStatus(ref, billing.PaymentRefunded, h.clock.Advance(time.Hour))
		h.gateway.statusErr = billing.ErrGatewayUnavailable
		polls := h.gateway.polls

		d := newRetryingDispatcher(t, h, billing.NewGatewayEnricher(h.gateway, time.Second, h.clock))
		d.Process(ctx, &billing.WebhookEvent{Gateway: "fake", ExternalPaymentRef: ref})

		assert.Equal(t, polls+3, h.gateway.polls)
		items, err := h.queue.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "retries_exhausted", items[0].Reason)
		assert.Equal(t, ref, items[0].Event.ExternalPaymentRef)
		assert.Contains(t, items[0].Error, billing.ErrGatewayUnavailable.Error())
		assert.Equal(t, billing.StateActive, h.subscription(t, "acct-1").State)
	})

	t.Run("recovers after a transient enrich failure", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		ref := h.activate(t, "acct-1", billing.PlanMonthly)
		h.gateway.setStatus(ref, billing.PaymentRefunded, h.clock.Advance(time.Hour))

		inner := billing.NewGatewayEnricher(h.gateway, time.Second, h.clock)
		calls := 0
		flaky := billing.EnricherFunc(func(ctx context.Context, ev *billing.WebhookEvent) error {
			calls++
			if calls == 1 {
				return billing.ErrGatewayUnavailable
			}
			return inner.Enrich(ctx, ev)
		})

		d := newRetryingDispatcher(t, h, flaky)
		d.Process(ctx, &billing.WebhookEvent{Gateway: "fake", ExternalPaymentRef: ref})

		assert.Equal(t, 2, calls)
		assert.Equal(t, billing.StateCanceled, h.subscription(t, "acct-1").State)
		assert.False(t, h.service.CheckAccess(ctx, "acct-1").Allowed)
		items, err := h.queue.List(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("rejections are not retried", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		d := newRetryingDispatcher(t, h, billing.NewGatewayEnricher(h.gateway, time.Second, h.clock))
		d.Process(ctx, &billing.WebhookEvent{Gateway: "fake", ExternalPaymentRef: "pay-missing"})

		assert.Equal(t, 1, h.gateway.polls)
		items, err := h.queue.List(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}
