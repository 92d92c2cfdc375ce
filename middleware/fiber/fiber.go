// Package fiber provides Fiber middleware that guards paid routes with the
// billing Access Gate
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	// HeaderState carries the subscription state on allowed requests.
	HeaderState = "X-Billing-State"
	// HeaderWarning carries the past_due notice while access is still granted.
	HeaderWarning = "X-Billing-Warning"
	// DecisionKey is the Locals key holding the billing.Decision.
	DecisionKey = "billing.decision"
)

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the request is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, d billing.Decision) error

	// OnUnauthorized is called when the request has no account
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that lets only accounts with access through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("gobilling/fiber: Config.Checker is required")
	}
	if cfg.GetAccountID == nil {
		panic("gobilling/fiber: Config.GetAccountID is required")
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		d := cfg.Checker.CheckAccess(c.UserContext(), accountID)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			return defaultDenied(c, d, cfg.DeniedStatusCode)
		}

		c.Set(HeaderState, string(d.State))
		if d.Warning != "" {
			c.Set(HeaderWarning, d.Warning)
		}
		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultDenied(c *fiber.Ctx, d billing.Decision, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":            "Payment required",
		"state":            d.State,
		"upgrade_required": d.UpgradeRequired,
	})
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets account ID from Fiber context values (Locals)
func FromContext(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(c *fiber.Ctx) (billing.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(billing.Decision)
	return d, ok
}
