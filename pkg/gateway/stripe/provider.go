// Package stripe implements billing.Gateway on Stripe Checkout.
//
// Payments start as Checkout Sessions: monthly plans in subscription mode so
// Stripe renews them, everything else in payment mode. The session id is the
// payment reference; renewals are the subscription's invoices, reported with
// the Stripe subscription as their parent.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

const (
	providerName = "stripe"

	maxWebhookBytes = 256 * 1024

	metadataAccountID   = "account_id"
	metadataPlan        = "plan"
	metadataOrderNumber = "order_number"
)

// Config extends gateway.Config with Stripe-specific options
type Config struct {
	gateway.Config

	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret (whsec_...).
	// Falls back to Config.WebhookSecret.
	StripeWebhookSecret string

	// APIURL overrides the Stripe API base URL (tests, egress proxies).
	APIURL string

	// MaxNetworkRetries bounds the SDK's own retries. nil keeps the SDK default.
	MaxNetworkRetries *int64

	// SuccessURL and CancelURL are used when a request carries no ReturnURL.
	SuccessURL string
	CancelURL  string
}

// Provider implements gateway.Provider for Stripe
type Provider struct {
	config        Config
	stripeClient  *stripe.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret string
}

var _ gateway.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, gateway.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        config.HTTPClient,
		MaxNetworkRetries: config.MaxNetworkRetries,
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.APIURL, "/"))
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	return &Provider{
		config:        config,
		stripeClient:  client,
		rateLimiter:   internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow, config.Clock.Now),
		webhookSecret: secret,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// call bounds fn by the configured timeout, records metrics and maps SDK
// errors onto the billing error set.
func (p *Provider) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	p.config.Metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		p.config.Metrics.RecordAPICall(providerName, endpoint, "success")
		return nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		p.config.Metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %s: %v", billing.ErrGatewayUnavailable, endpoint, err)
	}

	p.config.Metrics.RecordAPICall(providerName, endpoint, fmt.Sprintf("%d", stripeErr.HTTPStatusCode))
	switch {
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", billing.ErrGatewayUnavailable, endpoint, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", billing.ErrPaymentNotFound, stripeErr.Msg)
	default:
		p.config.Logger.Warn("stripe request rejected",
			billing.Field{Key: "endpoint", Value: endpoint},
			billing.Field{Key: "status", Value: stripeErr.HTTPStatusCode},
			billing.Field{Key: "code", Value: string(stripeErr.Code)},
			billing.Field{Key: "message", Value: stripeErr.Msg},
		)
		return fmt.Errorf("%w: %s: %s", gateway.ErrProviderAPIError, endpoint, stripeErr.Msg)
	}
}
