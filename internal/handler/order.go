package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/cartpay/internal/domain/order"
)

type createOrderRequest struct {
	User          json.RawMessage `json:"user"`
	Message       string          `json:"message"`
	PaymentMethod string          `json:"payment_method"`
}

type createOrderData struct {
	OrderID    string          `json:"orderId"`
	Total      decimal.Decimal `json:"total"`
	FinalTotal decimal.Decimal `json:"final_total"`
	CreateAt   time.Time       `json:"create_at"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// A null or absent user is reported by the buyer schema; anything else
	// must at least be an object.
	var user map[string]any
	if len(req.User) > 0 {
		if err := json.Unmarshal(req.User, &user); err != nil {
			writeError(w, r, invalid("user", "must be an object"))
			return
		}
	}

	o, err := h.orders.CreateOrder(r.Context(), chi.URLParam(r, "owner"), order.CreateRequest{
		User:          user,
		Message:       req.Message,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "order created", createOrderData{
		OrderID:    o.ID,
		Total:      o.Total,
		FinalTotal: o.FinalTotal,
		CreateAt:   o.CreateAt,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", o)
}

// payOrder settles an order without the gateway. Paying twice is not an
// error.
func (h *Handler) payOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkPaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "payment completed", o)
}
