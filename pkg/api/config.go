package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/reporting"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Service is the billing service instance (required)
	Service *billing.Service

	// Reports computes admin summaries. If nil, /v1/admin/summary answers 503.
	Reports *reporting.Engine

	// AdminToken guards /v1/admin routes with a bearer token.
	// If empty, admin routes are disabled (404).
	AdminToken string

	// Location interprets plain dates in admin query parameters. Default: UTC
	Location *time.Location

	// OnError handles errors. If nil, a JSON error body is written.
	OnError func(http.ResponseWriter, *http.Request, error)

	// RetryAfter is the hint sent with 502 and 503 responses. Default: 30s
	RetryAfter time.Duration

	Logger billing.Logger
	Clock  billing.Clock
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.RetryAfter < 0 {
		return fmt.Errorf("retryAfter must be non-negative")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.RetryAfter == 0 {
		config.RetryAfter = defaultRetryAfter
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.Clock == nil {
		config.Clock = billing.SystemClock{}
	}
	h := &Handler{
		config:   config,
		validate: newValidator(),
	}
	h.mux = h.routes()
	return h, nil
}
