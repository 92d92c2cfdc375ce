// Package http provides net/http middleware that guards paid routes with the
// billing Access Gate
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	// HeaderState carries the subscription state on allowed requests.
	HeaderState = "X-Billing-State"
	// HeaderWarning carries the past_due notice while access is still granted.
	HeaderWarning = "X-Billing-Warning"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the request is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker answers access questions (required). *billing.Service implements it.
	Checker billing.AccessChecker

	// GetAccountID extracts account ID from request (required)
	GetAccountID AccountIDExtractor

	// OnDenied is called when the account has no paid access
	// If nil, returns 402 Payment Required with the decision
	OnDenied func(w http.ResponseWriter, r *http.Request, d billing.Decision)

	// OnUnauthorized is called when the request has no account
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that lets only accounts with access through
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("gobilling/http: Config.Checker is required")
	}
	if config.GetAccountID == nil {
		panic("gobilling/http: Config.GetAccountID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			d := config.Checker.CheckAccess(r.Context(), accountID)
			if !d.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					writeJSON(w, http.StatusPaymentRequired, DeniedResponse{
						Error:           "Payment required",
						State:           d.State,
						UpgradeRequired: d.UpgradeRequired,
					})
				}
				return
			}

			w.Header().Set(HeaderState, string(d.State))
			if d.Warning != "" {
				w.Header().Set(HeaderWarning, d.Warning)
			}
			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}

// HandlerFunc creates an HTTP middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// DeniedResponse is the default 402 body.
type DeniedResponse struct {
	Error           string        `json:"error"`
	State           billing.State `json:"state,omitempty"`
	UpgradeRequired bool          `json:"upgrade_required"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for account ID
	AccountIDKey ContextKey = "billing:accountID"
	// DecisionKey is the context key for the access decision
	DecisionKey ContextKey = "billing:decision"
)

// FromContext returns an AccountIDExtractor that gets account ID from request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithAccountID adds account ID to request context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithDecision adds the access decision to request context
func WithDecision(ctx context.Context, d billing.Decision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}

// DecisionFromContext returns the decision stored by Middleware.
func DecisionFromContext(ctx context.Context) (billing.Decision, bool) {
	d, ok := ctx.Value(DecisionKey).(billing.Decision)
	return d, ok
}
