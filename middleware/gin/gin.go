// Package gin provides Gin middleware that guards paid routes with the billing
// Access Gate
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	// HeaderState carries the subscription state on allowed requests.
	HeaderState = "X-Billing-State"
	// HeaderWarning carries the past_due notice while access is still granted.
	HeaderWarning = "X-Billing-Warning"
	// DecisionKey is the gin context key holding the billing.Decision.
	DecisionKey = "billing.decision"
)

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the request is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker answers access questions (required). *billing.Service implements it.
	Checker billing.AccessChecker

	// GetAccountID extracts account ID from context (required)
	GetAccountID AccountIDExtractor

	// DeniedStatusCode is the HTTP status code returned without access
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnDenied is called when the account has no paid access
	// If nil, responds DeniedStatusCode JSON with the decision
	OnDenied func(c *gongin.Context, d billing.Decision)

	// OnUnauthorized is called when the request has no account
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that lets only accounts with access through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("gobilling/gin: Config.Checker is required")
	}
	if cfg.GetAccountID == nil {
		panic("gobilling/gin: Config.GetAccountID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		d := cfg.Checker.CheckAccess(c.Request.Context(), accountID)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				defaultDenied(c, d, cfg.DeniedStatusCode)
			}
			c.Abort()
			return
		}

		c.Header(HeaderState, string(d.State))
		if d.Warning != "" {
			c.Header(HeaderWarning, d.Warning)
		}
		c.Set(DecisionKey, d)
		c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultDenied(c *gongin.Context, d billing.Decision, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":            "Payment required",
		"state":            d.State,
		"upgrade_required": d.UpgradeRequired,
	})
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets account ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// account information via c.Set("AccountID", "...") or similar.
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(c *gongin.Context) (billing.Decision, bool) {
	val, exists := c.Get(DecisionKey)
	if !exists {
		return billing.Decision{}, false
	}
	d, ok := val.(billing.Decision)
	return d, ok
}
