package billing

import "time"

// Metrics defines the interface for tracking reconciliation, access and sweep activity.
type Metrics interface {
	// RecordEventProcessed records one webhook event application.
	// outcome: "applied", "duplicate", "ignored" or "error"
	RecordEventProcessed(gateway, status, outcome string, duration time.Duration)

	// RecordVersionConflict records a lost optimistic-concurrency race.
	RecordVersionConflict(operation string)

	// RecordLedgerTransition records a ledger status change, or a rejected one when accepted is false.
	RecordLedgerTransition(from, to PaymentStatus, accepted bool)

	// RecordSubscriptionTransition records a subscription state change.
	// source: "webhook", "sweep" or "api"
	RecordSubscriptionTransition(from, to State, source string)

	// RecordAccessCheck records an Access Gate decision.
	RecordAccessCheck(state State, allowed bool, duration time.Duration)

	// RecordCacheHit records a snapshot cache hit.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a snapshot cache miss.
	RecordCacheMiss(cacheType string)

	// RecordGatewayCall records the duration and result of a gateway call.
	RecordGatewayCall(gateway, operation string, duration time.Duration, err error)

	// RecordOperatorQueued records an event handed to the operator queue.
	RecordOperatorQueued(reason string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventProcessed(_, _, _ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordVersionConflict(_ string)                                  {}
func (n *NoopMetrics) RecordLedgerTransition(_, _ PaymentStatus, _ bool)               {}
func (n *NoopMetrics) RecordSubscriptionTransition(_, _ State, _ string)               {}
func (n *NoopMetrics) RecordAccessCheck(_ State, _ bool, _ time.Duration)              {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                         {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                        {}
func (n *NoopMetrics) RecordGatewayCall(_, _ string, _ time.Duration, _ error)         {}
func (n *NoopMetrics) RecordOperatorQueued(_ string)                                   {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                        {}
