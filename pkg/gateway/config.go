package gateway

import (
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// DefaultTimeout bounds every outbound call to a gateway.
const DefaultTimeout = 10 * time.Second

// Config defines the options every provider accepts
type Config struct {
	// Queue receives normalized webhook events. Required for WebhookHandler.
	Queue EventQueue

	// WebhookSecret authenticates incoming notifications (GoPay shared token,
	// Stripe endpoint signing secret).
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with Timeout will be used.
	// Allows custom proxies or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Timeout bounds each API call. Default: DefaultTimeout
	Timeout time.Duration

	// RateLimit is the number of webhook requests accepted per client IP per
	// RateLimitWindow. Default: 100 per minute
	RateLimit       int
	RateLimitWindow time.Duration

	// Metrics is an optional metrics collector for gateway operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use gateway/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; defaults to billing.NoopLogger.
	Logger billing.Logger

	// Clock is injectable for tests. Default: billing.SystemClock
	Clock billing.Clock
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
	if c.Clock == nil {
		c.Clock = billing.SystemClock{}
	}
	return c
}
