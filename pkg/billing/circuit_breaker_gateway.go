package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker protection.
// While the circuit is open calls fail fast with ErrGatewayUnavailable.
// Rejections (ErrPaymentCreationFailed, ErrUnknownTransition) do not trip it.
type CircuitBreakerGateway struct {
	gateway Gateway
	cb      CircuitBreaker
	metrics Metrics
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// NewCircuitBreakerGateway creates a new gateway wrapper with circuit breaker.
func NewCircuitBreakerGateway(gateway Gateway, cb CircuitBreaker, metrics Metrics) *CircuitBreakerGateway {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerGateway{gateway: gateway, cb: cb, metrics: metrics}
}

func (g *CircuitBreakerGateway) Name() string {
	return g.gateway.Name()
}

func (g *CircuitBreakerGateway) CreatePayment(ctx context.Context, req *PaymentRequest) (*GatewayPayment, error) {
	var out *GatewayPayment
	err := g.execute(ctx, "create_payment", func() error {
		var e error
		out, e = g.gateway.CreatePayment(ctx, req)
		return e
	})
	return out, err
}

func (g *CircuitBreakerGateway) GetPaymentStatus(ctx context.Context, ref string) (*GatewayPayment, error) {
	var out *GatewayPayment
	err := g.execute(ctx, "get_payment_status", func() error {
		var e error
		out, e = g.gateway.GetPaymentStatus(ctx, ref)
		return e
	})
	return out, err
}

func (g *CircuitBreakerGateway) Refund(ctx context.Context, ref string, amountMinorUnits int64) error {
	return g.execute(ctx, "refund", func() error {
		return g.gateway.Refund(ctx, ref, amountMinorUnits)
	})
}

func (g *CircuitBreakerGateway) StopRecurrence(ctx context.Context, ref string) error {
	return g.execute(ctx, "stop_recurrence", func() error {
		return g.gateway.StopRecurrence(ctx, ref)
	})
}

func (g *CircuitBreakerGateway) execute(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	var rejected error
	err := g.cb.Execute(ctx, func() error {
		e := fn()
		if isRejection(e) {
			// Counted as success for the breaker; the gateway answered.
			rejected = e
			return nil
		}
		return e
	})
	if rejected != nil {
		err = rejected
	}
	g.metrics.RecordGatewayCall(g.gateway.Name(), op, time.Since(start), err)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return err
}

func isRejection(err error) bool {
	return err != nil && (errors.Is(err, ErrPaymentCreationFailed) ||
		errors.Is(err, ErrUnknownTransition) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrInvalidAmount))
}
