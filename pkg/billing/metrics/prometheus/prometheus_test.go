package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	family := findMetric(t, reg, name)
	if family == nil {
		t.Fatalf("metric %s not found", name)
	}
	for _, m := range family.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func TestPrometheusMetrics_RecordEventProcessed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEventProcessed("gopay", "succeeded", "applied", 20*time.Millisecond)
	metrics.RecordEventProcessed("gopay", "succeeded", "duplicate", time.Millisecond)
	metrics.RecordEventProcessed("gopay", "succeeded", "duplicate", time.Millisecond)

	got := counterValue(t, reg, "test_webhook_events_processed_total",
		map[string]string{"gateway": "gopay", "outcome": "duplicate"})
	if got != 2 {
		t.Errorf("duplicate events = %v, want 2", got)
	}
	if findMetric(t, reg, "test_webhook_event_processing_duration_seconds") == nil {
		t.Error("expected processing duration histogram")
	}
}

func TestPrometheusMetrics_RecordLedgerTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordLedgerTransition(billing.PaymentSucceeded, billing.PaymentFailed, false)

	got := counterValue(t, reg, "test_ledger_transitions_total",
		map[string]string{"from": "succeeded", "to": "failed", "accepted": "false"})
	if got != 1 {
		t.Errorf("rejected transitions = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordSubscriptionTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSubscriptionTransition(billing.StatePastDue, billing.StateCanceled, "sweep")

	got := counterValue(t, reg, "test_subscription_transitions_total",
		map[string]string{"from": "past_due", "to": "canceled", "source": "sweep"})
	if got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordGatewayCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGatewayCall("gopay", "create_payment", 100*time.Millisecond, nil)
	metrics.RecordGatewayCall("gopay", "create_payment", 100*time.Millisecond, errors.New("timeout"))

	got := counterValue(t, reg, "test_gateway_call_errors_total",
		map[string]string{"gateway": "gopay", "operation": "create_payment"})
	if got != 1 {
		t.Errorf("gateway errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_Misc(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordVersionConflict("subscription")
	metrics.RecordAccessCheck(billing.StateActive, true, time.Microsecond)
	metrics.RecordCacheHit("subscription")
	metrics.RecordCacheMiss("subscription")
	metrics.RecordOperatorQueued("reconciliation_conflict")
	metrics.RecordCircuitBreakerStateChange("open")

	for _, name := range []string{
		"test_version_conflicts_total",
		"test_access_checks_total",
		"test_cache_hits_total",
		"test_cache_misses_total",
		"test_operator_queue_items_total",
		"test_circuit_breaker_state_changes_total",
	} {
		if findMetric(t, reg, name) == nil {
			t.Errorf("metric %s not registered", name)
		}
	}
}
