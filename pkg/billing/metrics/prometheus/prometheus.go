package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	eventsTotal                *prometheus.CounterVec
	eventDuration              *prometheus.HistogramVec
	versionConflictsTotal      *prometheus.CounterVec
	ledgerTransitionsTotal     *prometheus.CounterVec
	subscriptionTransitions    *prometheus.CounterVec
	accessChecksTotal          *prometheus.CounterVec
	accessCheckDuration        prometheus.Histogram
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	gatewayCallDuration        *prometheus.HistogramVec
	gatewayCallErrors          *prometheus.CounterVec
	operatorQueuedTotal        *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_processed_total",
			Help:      "Total number of webhook events handed to the reconciliation processor.",
		}, []string{"gateway", "status", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_event_processing_duration_seconds",
			Help:      "Latency of applying one webhook event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway"}),

		versionConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Total number of optimistic concurrency conflicts.",
		}, []string{"operation"}),

		ledgerTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transitions_total",
			Help:      "Ledger status transitions, including rejected ones.",
		}, []string{"from", "to", "accepted"}),

		subscriptionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Subscription state transitions.",
		}, []string{"from", "to", "source"}),

		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_checks_total",
			Help:      "Access gate decisions.",
		}, []string{"state", "allowed"}),

		accessCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "access_check_duration_seconds",
			Help:      "Latency of access gate checks.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),

		gatewayCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_call_errors_total",
			Help:      "Total number of failed payment gateway calls.",
		}, []string{"gateway", "operation"}),

		operatorQueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_queue_items_total",
			Help:      "Events surfaced to the operator queue.",
		}, []string{"reason"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEventProcessed(gateway, status, outcome string, duration time.Duration) {
	m.eventsTotal.WithLabelValues(gateway, status, outcome).Inc()
	m.eventDuration.WithLabelValues(gateway).Observe(duration.Seconds())
}

func (m *Metrics) RecordVersionConflict(operation string) {
	m.versionConflictsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordLedgerTransition(from, to billing.PaymentStatus, accepted bool) {
	m.ledgerTransitionsTotal.WithLabelValues(string(from), string(to), strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) RecordSubscriptionTransition(from, to billing.State, source string) {
	m.subscriptionTransitions.WithLabelValues(string(from), string(to), source).Inc()
}

func (m *Metrics) RecordAccessCheck(state billing.State, allowed bool, duration time.Duration) {
	m.accessChecksTotal.WithLabelValues(string(state), strconv.FormatBool(allowed)).Inc()
	m.accessCheckDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordGatewayCall(gateway, operation string, duration time.Duration, err error) {
	m.gatewayCallDuration.WithLabelValues(gateway, operation).Observe(duration.Seconds())
	if err != nil {
		m.gatewayCallErrors.WithLabelValues(gateway, operation).Inc()
	}
}

func (m *Metrics) RecordOperatorQueued(reason string) {
	m.operatorQueuedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
