package echo

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobilling/internal/billingtest"
	"github.com/mihaimyh/gobilling/pkg/billing"
)

func setupEcho(t *testing.T, cfg Config) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.GET("/premium/:account", func(c echo.Context) error {
		d, ok := DecisionFromContext(c)
		if !ok {
			t.Error("Expected decision in echo context")
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"state": d.State})
	}, Middleware(cfg))
	return e
}

func TestMiddleware_AccessByState(t *testing.T) {
	e := setupEcho(t, Config{
		Checker:      billingtest.NewService(t),
		GetAccountID: FromParam("account"),
	})

	tests := []struct {
		account    string
		wantStatus int
	}{
		{billingtest.Trialing, http.StatusOK},
		{billingtest.TrialExpired, http.StatusPaymentRequired},
		{billingtest.Active, http.StatusOK},
		{billingtest.PastDue, http.StatusOK},
		{billingtest.PastGrace, http.StatusPaymentRequired},
		{billingtest.Canceled, http.StatusPaymentRequired},
		{billingtest.Unknown, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.account, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium/"+tt.account, http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_PastDueWarning(t *testing.T) {
	e := setupEcho(t, Config{
		Checker:      billingtest.NewService(t),
		GetAccountID: FromParam("account"),
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium/"+billingtest.PastDue, http.NoBody))
	if rec.Header().Get(HeaderWarning) == "" {
		t.Error("Expected warning header while past_due")
	}
	if rec.Header().Get(HeaderState) != string(billing.StatePastDue) {
		t.Errorf("Expected state header past_due, got %q", rec.Header().Get(HeaderState))
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	errDenied := errors.New("denied")
	var got billing.Decision

	mw := Middleware(Config{
		Checker:      billingtest.NewService(t),
		GetAccountID: FromHeader("X-Account-ID"),
		OnDenied: func(_ echo.Context, d billing.Decision) error {
			got = d
			return errDenied
		},
		OnUnauthorized: func(c echo.Context) error {
			return c.NoContent(http.StatusForbidden)
		},
	})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
	req.Header.Set("X-Account-ID", billingtest.TrialExpired)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); !errors.Is(err, errDenied) {
		t.Errorf("Expected custom denial error, got %v", err)
	}
	if got.State != billing.StateTrialing || got.Allowed {
		t.Errorf("Unexpected decision: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected custom unauthorized status 403, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	mw := Middleware(Config{
		Checker:      billingtest.NewService(t),
		GetAccountID: FromContext("AccountID"),
	})
	handler := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/premium", http.NoBody), rec)
	c.Set("AccountID", billingtest.Active)
	if err := handler(c); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
