package billing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

var epoch = time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeGateway is a scriptable billing.Gateway.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	createErr error
	statusErr error
	requests  []*billing.PaymentRequest
	statuses  map[string]*billing.GatewayPayment
	refunds   map[string]int64
	stopped   []string
	polls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses: make(map[string]*billing.GatewayPayment),
		refunds:  make(map[string]int64),
	}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreatePayment(_ context.Context, req *billing.PaymentRequest) (*billing.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	ref := fmt.Sprintf("pay-%d", g.seq)
	gp := &billing.GatewayPayment{
		ExternalPaymentRef: ref,
		Status:             billing.PaymentPending,
		RawStatus:          "CREATED",
		RedirectURL:        "https://gate.example/pay/" + ref,
		AccountID:          req.AccountID,
		Plan:               req.Plan,
		AmountMinorUnits:   req.AmountMinorUnits,
		Currency:           req.Currency,
	}
	g.statuses[ref] = gp
	c := *gp
	return &c, nil
}

func (g *fakeGateway) GetPaymentStatus(_ context.Context, ref string) (*billing.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	gp, ok := g.statuses[ref]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	c := *gp
	return &c, nil
}

func (g *fakeGateway) Refund(_ context.Context, ref string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds[ref] = amount
	return nil
}

func (g *fakeGateway) StopRecurrence(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = append(g.stopped, ref)
	return nil
}

func (g *fakeGateway) setStatus(ref string, status billing.PaymentStatus, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gp, ok := g.statuses[ref]; ok {
		gp.Status = status
		gp.OccurredAt = at
	}
}

type harness struct {
	storage *memory.Storage
	clock   *fakeClock
	gateway *fakeGateway
	queue   *billing.MemoryOperatorQueue
	service *billing.Service
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	clock := newFakeClock(epoch)
	h := &harness{
		storage: memory.New().WithClock(clock),
		clock:   clock,
		gateway: newFakeGateway(),
		queue:   billing.NewMemoryOperatorQueue(),
	}
	svc, err := billing.New(&billing.Config{
		Storage: h.storage,
		Gateway: h.gateway,
		Accounts: billing.StaticAccounts{
			"tester": {ID: "tester", Email: "qa@example.com", IsTest: true},
		},
		OperatorQueue: h.queue,
		ReturnURL:     "https://app.example/billing/return",
		Clock:         clock,
	})
	require.NoError(t, err)
	h.service = svc
	return h
}

// webhook builds a notification for ref occurring at the current fake time.
func (h *harness) webhook(ref string, status billing.PaymentStatus) *billing.WebhookEvent {
	now := h.clock.Now()
	return &billing.WebhookEvent{
		Gateway:            "fake",
		ExternalPaymentRef: ref,
		ReportedStatus:     status,
		OccurredAt:         now,
		ReceivedAt:         now,
	}
}

func (h *harness) apply(t testing.TB, ev *billing.WebhookEvent) *billing.Result {
	t.Helper()
	res, err := h.service.Processor().Apply(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) subscription(t testing.TB, accountID string) *billing.Subscription {
	t.Helper()
	sub, err := h.storage.GetSubscription(context.Background(), accountID)
	require.NoError(t, err)
	return sub
}

// activate provisions accountID and pays for plan, returning the payment ref.
func (h *harness) activate(t testing.TB, accountID string, plan billing.Plan) string {
	t.Helper()
	ctx := context.Background()
	_, err := h.service.Provision(ctx, accountID)
	require.NoError(t, err)
	pay, err := h.service.CreatePayment(ctx, accountID, plan)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.apply(t, h.webhook(pay.ExternalPaymentRef, billing.PaymentSucceeded))
	return pay.ExternalPaymentRef
}

// conflictingStorage never lets a subscription update through.
type conflictingStorage struct {
	*memory.Storage
	mu      sync.Mutex
	updates int
}

func (s *conflictingStorage) UpdateSubscription(_ context.Context, _ *billing.Subscription) error {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return billing.ErrVersionConflict
}

func (h *harness) sweeper(t *testing.T) *billing.Sweeper {
	t.Helper()
	sw, err := billing.NewSweeper(&billing.SweeperConfig{
		Storage:    h.storage,
		Reconciler: h.service,
		Locker:     h.storage,
		Cache:      h.service.Cache(),
		Clock:      h.clock,
	})
	require.NoError(t, err)
	return sw
}

func (h *harness) sweep(t *testing.T) *billing.SweepReport {
	t.Helper()
	report, err := h.sweeper(t).Run(context.Background())
	require.NoError(t, err)
	return report
}
