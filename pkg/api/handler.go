package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/reporting"
)

const (
	defaultPaymentLimit = 100
	maxBodyBytes        = 64 << 10
)

// Handler serves the internal read API, payment start and the admin routes.
type Handler struct {
	config   Config
	validate *validator.Validate
	mux      *http.ServeMux
}

func (h *Handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/subscriptions/{account}", h.GetSubscription)
	mux.HandleFunc("POST /v1/subscriptions/{account}", h.ProvisionSubscription)
	mux.HandleFunc("POST /v1/subscriptions/{account}/cancel", h.CancelSubscription)
	mux.HandleFunc("GET /v1/access/{account}", h.GetAccess)
	mux.HandleFunc("GET /v1/ledger/{account}", h.GetLedger)
	mux.HandleFunc("POST /v1/payments", h.CreatePayment)

	mux.HandleFunc("GET /v1/admin/summary", h.admin(h.GetSummary))
	mux.HandleFunc("GET /v1/admin/payments", h.admin(h.ListPayments))
	mux.HandleFunc("POST /v1/admin/payments/{ref}/refund", h.admin(h.RefundPayment))
	mux.HandleFunc("POST /v1/admin/payments/{ref}/reconcile", h.admin(h.ReconcilePayment))
	return mux
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// GetSubscription returns the live subscription and the access decision.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Service.GetSubscription(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{
		Subscription: sub,
		Access:       billing.Evaluate(sub, h.config.Clock.Now(), h.config.Service.Gate().GracePeriod()),
	})
}

// ProvisionSubscription starts the trial of a new account. Provisioning an
// account that already has a subscription returns the existing one.
func (h *Handler) ProvisionSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Service.Provision(r.Context(), accountID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionExists) && sub != nil:
		writeJSON(w, http.StatusOK, sub)
	case err != nil:
		h.handleError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, sub)
	}
}

// CancelSubscription schedules cancellation at the end of the current period.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Service.CancelAtPeriodEnd(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetAccess returns the Access Gate decision. A missing subscription is a
// denial, not an error.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, AccessResponse{
		AccountID: accountID,
		Decision:  h.config.Service.CheckAccess(r.Context(), accountID),
	})
}

// GetLedger returns every payment of an account, newest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	payments, err := h.config.Service.GetLedger(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerResponse(accountID, payments))
}

// CreatePayment starts a gateway payment and returns the payer redirect.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := h.decode(r, &req, false); err != nil {
		h.handleError(w, r, err)
		return
	}
	attempt, err := h.config.Service.CreatePayment(r.Context(), req.AccountID, req.Plan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{
		ExternalPaymentRef: attempt.ExternalPaymentRef,
		Status:             attempt.Status,
		RedirectURL:        attempt.RedirectURL,
		AmountMinorUnits:   attempt.AmountMinorUnits,
		Currency:           attempt.Currency,
		CreatedAt:          attempt.CreatedAt,
	})
}

// GetSummary returns the financial summary for ?from=&to=.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.config.Reports == nil {
		h.handleError(w, r, fmt.Errorf("%w: reporting", errNotConfigured))
		return
	}
	q := r.URL.Query()
	window, err := reporting.ParseWindow(q.Get("from"), q.Get("to"), h.config.Clock.Now(), h.config.Location)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	summary, err := h.config.Reports.Summary(r.Context(), window)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListPayments lists ledger rows filtered by account, status, plan, and
// creation window.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := h.paymentFilter(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	payments, err := h.config.Service.ListPayments(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerResponse(filter.AccountID, payments))
}

// RefundPayment refunds a succeeded payment. An empty body or a zero amount
// refunds everything.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.paymentRef(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if err := h.decode(r, &req, true); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.config.Service.Refund(r.Context(), ref, req.AmountMinorUnits)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.config.Logger.Info("payment refunded by operator",
		billing.Field{Key: "payment_ref", Value: ref},
		billing.Field{Key: "amount", Value: req.AmountMinorUnits},
	)
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

// ReconcilePayment polls the gateway for a payment and applies the answer.
func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.paymentRef(w, r)
	if !ok {
		return
	}
	res, err := h.config.Service.ReconcilePayment(r.Context(), ref)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

// admin guards next with the admin bearer token.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
			h.handleError(w, r, errUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := accountParam{AccountID: r.PathValue("account")}
	if err := h.check(p); err != nil {
		h.handleError(w, r, err)
		return "", false
	}
	return p.AccountID, true
}

func (h *Handler) paymentRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := refParam{Ref: r.PathValue("ref")}
	if err := h.check(p); err != nil {
		h.handleError(w, r, err)
		return "", false
	}
	return p.Ref, true
}

func (h *Handler) paymentFilter(r *http.Request) (billing.PaymentFilter, error) {
	q := r.URL.Query()
	pq := paymentQuery{
		AccountID: q.Get("account"),
		Status:    q.Get("status"),
		Plan:      q.Get("plan"),
		Limit:     defaultPaymentLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return billing.PaymentFilter{}, fmt.Errorf("%w: limit must be a number", errBadRequest)
		}
		pq.Limit = n
	}
	if v := q.Get("include_test"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return billing.PaymentFilter{}, fmt.Errorf("%w: include_test must be a boolean", errBadRequest)
		}
		pq.IncludeTest = b
	}
	if err := h.check(pq); err != nil {
		return billing.PaymentFilter{}, err
	}

	filter := billing.PaymentFilter{
		AccountID:           pq.AccountID,
		Status:              billing.PaymentStatus(pq.Status),
		Plan:                billing.Plan(pq.Plan),
		IncludeTestAccounts: pq.IncludeTest,
		Limit:               pq.Limit,
	}
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		window, err := reporting.ParseWindow(from, to, h.config.Clock.Now(), h.config.Location)
		if err != nil {
			return billing.PaymentFilter{}, err
		}
		filter.From, filter.To = window.From, window.To
	}
	return filter, nil
}

// decode reads a JSON body into v and validates it.
func (h *Handler) decode(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("%w: malformed JSON body", errBadRequest)
		}
	}
	return h.check(v)
}

func newLedgerResponse(accountID string, payments []*billing.PaymentAttempt) LedgerResponse {
	if payments == nil {
		payments = []*billing.PaymentAttempt{}
	}
	return LedgerResponse{AccountID: accountID, Payments: payments, Count: len(payments)}
}

func newResultResponse(res *billing.Result) ResultResponse {
	return ResultResponse{
		Duplicate:           res.Duplicate,
		PaymentChanged:      res.PaymentChanged,
		SubscriptionChanged: res.SubscriptionChanged,
		Payment:             res.Payment,
		Subscription:        res.Subscription,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
