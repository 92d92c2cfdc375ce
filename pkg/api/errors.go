package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/reporting"
)

const defaultRetryAfter = 30 * time.Second

var (
	errBadRequest    = errors.New("bad request")
	errUnauthorized  = errors.New("unauthorized")
	errNotConfigured = errors.New("not configured")
)

// StatusFor maps an error to an HTTP status. retry is set when the same
// request may succeed later.
func StatusFor(err error) (status int, retry bool) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, reporting.ErrInvalidWindow),
		errors.Is(err, billing.ErrInvalidPlan),
		errors.Is(err, billing.ErrInvalidAmount):
		return http.StatusBadRequest, false
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, false
	case errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPaymentNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, billing.ErrSubscriptionExists),
		errors.Is(err, billing.ErrUnknownTransition),
		errors.Is(err, billing.ErrStatusConflict),
		errors.Is(err, billing.ErrReconciliationConflict):
		return http.StatusConflict, false
	case errors.Is(err, gateway.ErrNotSupported):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, billing.ErrPaymentCreationFailed):
		return http.StatusBadGateway, true
	case errors.Is(err, billing.ErrGatewayUnavailable),
		errors.Is(err, billing.ErrCircuitOpen),
		errors.Is(err, billing.ErrStorageUnavailable),
		errors.Is(err, billing.ErrQueueFull):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, errNotConfigured):
		return http.StatusServiceUnavailable, false
	}
	return http.StatusInternalServerError, false
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, retry := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			billing.Field{Key: "method", Value: r.Method},
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.ErrField(err),
		)
		msg = http.StatusText(status)
	}
	if retry {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RetryAfter/time.Second)))
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Retry: retry})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates s and folds validation failures into errBadRequest.
func (h *Handler) check(s interface{}) error {
	err := h.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", errBadRequest, strings.Join(msgs, "; "))
}
