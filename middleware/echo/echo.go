// Package echo provides Echo middleware that guards paid routes with the
// billing Access Gate
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	// HeaderState carries the subscription state on allowed requests.
	HeaderState = "X-Billing-State"
	// HeaderWarning carries the past_due notice while access is still granted.
	HeaderWarning = "X-Billing-Warning"
	// DecisionKey is the echo context key holding the billing.Decision.
	DecisionKey = "billing.decision"
)

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the request is not authenticated
type AccountIDExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, d billing.Decision) error

	// OnUnauthorized is called when the request has no account
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that lets only accounts with access through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("gobilling/echo: Config.Checker is required")
	}
	if cfg.GetAccountID == nil {
		panic("gobilling/echo: Config.GetAccountID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			d := cfg.Checker.CheckAccess(c.Request().Context(), accountID)
			if !d.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return defaultDenied(c, d, cfg.DeniedStatusCode)
			}

			c.Response().Header().Set(HeaderState, string(d.State))
			if d.Warning != "" {
				c.Response().Header().Set(HeaderWarning, d.Warning)
			}
			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultDenied(c echo.Context, d billing.Decision, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":            "Payment required",
		"state":            d.State,
		"upgrade_required": d.UpgradeRequired,
	})
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets account ID from Echo context values
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(c echo.Context) (billing.Decision, bool) {
	d, ok := c.Get(DecisionKey).(billing.Decision)
	return d, ok
}
