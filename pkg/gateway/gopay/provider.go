// Package gopay implements billing.Gateway for the GoPay REST API.
//
// Every call authenticates with an OAuth2 client-credentials token. Tokens are
// cached per scope and refreshed ahead of expiry; token fetches are retried
// with exponential backoff. Notifications arrive as GET requests carrying only
// the payment id, so the webhook handler enqueues a bare event and the
// dispatcher asks GetPaymentStatus for the rest.
package gopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

const (
	providerName = "gopay"

	// DefaultBaseURL is the GoPay sandbox API.
	DefaultBaseURL = "https://gw.sandbox.gopay.com/api"

	// tokenExpiryLeeway keeps a token from being used in its last minute.
	tokenExpiryLeeway = 60 * time.Second

	defaultTokenAttempts    = 3
	defaultRetryInterval    = 200 * time.Millisecond
	defaultLang             = "CS"
	maxResponseBytes        = 1 << 20
	endpointToken           = "/oauth2/token"
	endpointPayment         = "/payments/payment"
	endpointPaymentStatus   = "/payments/payment/{id}"
	endpointRefund          = "/payments/payment/{id}/refund"
	endpointVoidRecurrence  = "/payments/payment/{id}/void_recurrence"
	webhookEventPayment     = "payment"
	webhookEventRecurrence  = "recurrence"
	notificationTokenParam  = "token"
	notificationIDParam     = "id"
	notificationParentParam = "parent_id"
)

// Config extends gateway.Config with GoPay-specific options
type Config struct {
	gateway.Config

	ClientID     string
	ClientSecret string
	GoID         int64

	// BaseURL of the REST API. Default: DefaultBaseURL
	BaseURL string

	// NotificationURL is where GoPay sends notifications. The webhook secret is
	// appended as the token query parameter.
	NotificationURL string

	// Lang is the payment page language. Default: "CS"
	Lang string

	// TokenAttempts bounds token fetches (first try included). Default: 3
	TokenAttempts int

	// RetryInterval is the first backoff interval between token fetches. Default: 200ms
	RetryInterval time.Duration
}

// Provider implements gateway.Provider for GoPay
type Provider struct {
	config          Config
	baseURL         string
	notificationURL string
	rateLimiter     *internal.RateLimiter

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

var _ gateway.Provider = (*Provider)(nil)

// NewProvider creates a new GoPay provider
func NewProvider(config Config) (*Provider, error) {
	if config.ClientID == "" || config.ClientSecret == "" || config.GoID == 0 {
		return nil, gateway.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()
	if config.Lang == "" {
		config.Lang = defaultLang
	}
	if config.TokenAttempts <= 0 {
		config.TokenAttempts = defaultTokenAttempts
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	notificationURL := config.NotificationURL
	if notificationURL != "" && config.WebhookSecret != "" {
		u, err := url.Parse(notificationURL)
		if err != nil {
			return nil, fmt.Errorf("invalid notification url: %w", err)
		}
		q := u.Query()
		q.Set(notificationTokenParam, config.WebhookSecret)
		u.RawQuery = q.Encode()
		notificationURL = u.String()
	}

	return &Provider{
		config:          config,
		baseURL:         baseURL,
		notificationURL: notificationURL,
		rateLimiter:     internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow, config.Clock.Now),
		tokens:          make(map[string]*oauth2.Token),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for GoPay notifications
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// CreatePayment implements billing.Gateway. Monthly plans request a recurring
// payment with an open end date; everything else is a single charge.
func (p *Provider) CreatePayment(ctx context.Context, req *billing.PaymentRequest) (*billing.GatewayPayment, error) {
	body := &paymentRequest{
		Payer: payer{
			DefaultPaymentInstrument:  instrumentPaymentCard,
			AllowedPaymentInstruments: []string{instrumentPaymentCard, instrumentBankAccount},
			Contact:                   contact{Email: req.Email},
		},
		Target:           target{Type: targetTypeAccount, GoID: p.config.GoID},
		Amount:           req.AmountMinorUnits,
		Currency:         req.Currency,
		OrderNumber:      req.OrderNumber,
		OrderDescription: req.Description,
		Items:            []item{{Name: req.Description, Amount: req.AmountMinorUnits, Count: 1}},
		Callback: callback{
			ReturnURL:       req.ReturnURL,
			NotificationURL: p.notificationURL,
		},
		Lang: p.config.Lang,
		AdditionalParams: []param{
			{Name: paramAccountID, Value: req.AccountID},
			{Name: paramPlan, Value: string(req.Plan)},
		},
	}
	if req.Recurring {
		body.Recurrence = &recurrence{
			Cycle:  recurrenceCycleMonth,
			Period: 1,
			DateTo: recurrenceOpenEnd,
		}
	}

	var out payment
	if err := p.do(ctx, scopePaymentCreate, http.MethodPost, endpointPayment, endpointPayment, body, &out); err != nil {
		if errors.Is(err, billing.ErrGatewayUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrPaymentCreationFailed, err)
	}

	gp, err := out.toGatewayPayment()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrPaymentCreationFailed, err)
	}
	if gp.AccountID == "" {
		gp.AccountID = req.AccountID
	}
	if gp.Plan == "" {
		gp.Plan = req.Plan
	}
	return gp, nil
}

// GetPaymentStatus implements billing.Gateway
func (p *Provider) GetPaymentStatus(ctx context.Context, ref string) (*billing.GatewayPayment, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	var out payment
	path := endpointPayment + "/" + strconv.FormatInt(id, 10)
	if err := p.do(ctx, scopePaymentAll, http.MethodGet, endpointPaymentStatus, path, nil, &out); err != nil {
		return nil, err
	}
	return out.toGatewayPayment()
}

// Refund implements billing.Gateway. An amount of 0 refunds the whole payment.
func (p *Provider) Refund(ctx context.Context, ref string, amountMinorUnits int64) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	if amountMinorUnits < 0 {
		return billing.ErrInvalidAmount
	}
	body := map[string]int64{}
	if amountMinorUnits > 0 {
		body["amount"] = amountMinorUnits
	}
	var out struct {
		ID     int64  `json:"id"`
		Result string `json:"result"`
	}
	path := fmt.Sprintf("%s/%d/refund", endpointPayment, id)
	if err := p.do(ctx, scopePaymentAll, http.MethodPost, endpointRefund, path, body, &out); err != nil {
		return err
	}
	if out.Result != "" && out.Result != refundFinished {
		return fmt.Errorf("%w: refund %s", gateway.ErrProviderAPIError, out.Result)
	}
	return nil
}

// StopRecurrence implements billing.Gateway
func (p *Provider) StopRecurrence(ctx context.Context, ref string) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%d/void_recurrence", endpointPayment, id)
	return p.do(ctx, scopePaymentAll, http.MethodPost, endpointVoidRecurrence, path, nil, nil)
}

// APIError is a non-success answer from the GoPay API.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gopay %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return gateway.ErrProviderAPIError
}

// do performs one authenticated JSON call bounded by the configured timeout.
// Transport failures and 5xx answers are billing.ErrGatewayUnavailable; a 404
// is billing.ErrPaymentNotFound; other 4xx answers are *APIError.
func (p *Provider) do(ctx context.Context, scope, method, endpoint, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	token, err := p.token(ctx, scope)
	if err != nil {
		return err
	}

	reqBody := io.Reader(http.NoBody)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	start := time.Now()
	resp, err := p.config.HTTPClient.Do(req)
	p.config.Metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		p.config.Metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %s: %v", billing.ErrGatewayUnavailable, endpoint, err)
	}
	defer resp.Body.Close()
	p.config.Metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", billing.ErrGatewayUnavailable, endpoint, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d", billing.ErrGatewayUnavailable, endpoint, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", billing.ErrPaymentNotFound, path)
	case resp.StatusCode >= http.StatusBadRequest:
		var apiErr apiError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
			msg = apiErr.String()
		}
		p.config.Logger.Warn("gopay request rejected",
			billing.Field{Key: "endpoint", Value: endpoint},
			billing.Field{Key: "status", Value: resp.StatusCode},
			billing.Field{Key: "message", Value: msg},
		)
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Message: msg}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

// token returns the cached token for scope, fetching a new one within ctx
// when none is cached or the cached one is inside the expiry leeway.
func (p *Provider) token(ctx context.Context, scope string) (*oauth2.Token, error) {
	p.mu.Lock()
	var cached *oauth2.Token
	if t, ok := p.tokens[scope]; ok {
		c := *t
		cached = &c
	}
	p.mu.Unlock()

	src := &retryingTokenSource{
		ctx:      ctx,
		provider: p,
		config: &clientcredentials.Config{
			ClientID:     p.config.ClientID,
			ClientSecret: p.config.ClientSecret,
			TokenURL:     p.baseURL + endpointToken,
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		scope: scope,
	}
	t, err := oauth2.ReuseTokenSourceWithExpiry(cached, src, tokenExpiryLeeway).Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.tokens[scope] = t
	p.mu.Unlock()
	return t, nil
}

// retryingTokenSource fetches a fresh token, retrying transient failures until
// the attempts run out or ctx is done. Caching is left to the caller.
type retryingTokenSource struct {
	ctx      context.Context
	provider *Provider
	config   *clientcredentials.Config
	scope    string
}

func (s *retryingTokenSource) Token() (*oauth2.Token, error) {
	cfg := s.provider.config
	var token *oauth2.Token

	fetch := func() error {
		ctx, cancel := context.WithTimeout(s.ctx, cfg.Timeout)
		defer cancel()
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)

		t, err := s.config.Token(ctx)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
				// Bad credentials will not fix themselves.
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryInterval
	err := backoff.Retry(fetch, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.TokenAttempts-1)), s.ctx))
	if err != nil {
		cfg.Metrics.RecordTokenRefresh(providerName, s.scope, "error")
		cfg.Logger.Error("gopay token fetch failed",
			billing.Field{Key: "scope", Value: s.scope},
			billing.Field{Key: "error", Value: err},
		)
		return nil, fmt.Errorf("%w: token for %s: %v", billing.ErrGatewayUnavailable, s.scope, err)
	}
	cfg.Metrics.RecordTokenRefresh(providerName, s.scope, "success")
	return token, nil
}
