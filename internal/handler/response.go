package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cartpay/internal/domain/cart"
	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/domain/payment"
	"github.com/xenking/cartpay/internal/domain/product"
	"github.com/xenking/cartpay/internal/newebpay"
)

const maxBodySize = 1 << 20

// envelope is the response shape of every JSON endpoint.
type envelope struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Data    any                `json:"data,omitempty"`
	Errors  []order.FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// errBadJSON marks a request body that is not valid JSON.
var errBadJSON = errors.New("request body must be a JSON object")

// decode reads a JSON body into dst. Both the bare object and the
// {"data": {...}} wrapper are accepted.
func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return errBadJSON
	}
	if len(wrapped.Data) > 0 && wrapped.Data[0] == '{' {
		body = wrapped.Data
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errBadJSON
	}
	return nil
}

// invalid builds a validation error for one field.
func invalid(field, reason string) error {
	return &order.ValidationError{Fields: []order.FieldError{{Field: field, Reason: reason}}}
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are logged
// and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *order.ValidationError
		notInCart  *cart.ItemNotInCartError
		missing    *cart.ProductNotFoundError
		disabled   *cart.ProductDisabledError
		badQty     *cart.InvalidQuantityError
		crypto     *newebpay.CryptoError
		upstream   *payment.UpstreamError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, envelope{Message: validation.Error(), Errors: validation.Fields})
	case errors.Is(err, errBadJSON):
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
	case errors.As(err, &notInCart), errors.As(err, &missing),
		errors.Is(err, cart.ErrCartNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, coupon.ErrNotFound),
		errors.Is(err, order.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Message: err.Error()})
	case errors.As(err, &disabled), errors.As(err, &badQty),
		errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, order.ErrAlreadyPaid):
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
	case errors.As(err, &crypto):
		writeJSON(w, http.StatusBadRequest, envelope{Message: "payment envelope is invalid"})
	case errors.Is(err, cart.ErrConcurrentUpdate):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, envelope{Message: err.Error()})
	case errors.As(err, &upstream):
		zctx.From(r.Context()).Error("Upstream failure", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "payment gateway unavailable"})
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "internal server error"})
	}
}
