package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cartpay/internal/domain/payment"
)

type envelopeRequest struct {
	OrderID    string `json:"order_id"`
	OrderIDAlt string `json:"orderId"`
	Email      string `json:"Email"`
	ItemDesc   string `json:"ItemDesc"`
}

func (h *Handler) createEnvelope(w http.ResponseWriter, r *http.Request) {
	var req envelopeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		id = strings.TrimSpace(req.OrderIDAlt)
	}
	if id == "" {
		writeError(w, r, invalid("order_id", "is required"))
		return
	}

	env, err := h.payments.CreateEnvelope(r.Context(), payment.EnvelopeRequest{
		OrderID:  id,
		Email:    req.Email,
		ItemDesc: req.ItemDesc,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", env)
}

// sendPayment relays an envelope to the gateway. Gateway redirects are
// passed to the client unchanged; any other answer is copied through.
func (h *Handler) sendPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TradeInfo string `json:"aesEncrypt"`
		TradeSha  string `json:"shaEncrypt"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TradeInfo == "" || req.TradeSha == "" {
		writeError(w, r, invalid("aesEncrypt", "aesEncrypt and shaEncrypt are required"))
		return
	}

	resp, err := h.payments.SendPayment(r.Context(), req.TradeInfo, req.TradeSha)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if resp.IsRedirect() {
		w.Header().Set("Location", resp.Location)
		w.WriteHeader(resp.StatusCode)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func callbackForm(w http.ResponseWriter, r *http.Request) (payment.CallbackForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		return payment.CallbackForm{}, err
	}
	return payment.CallbackForm{
		Status:     r.PostForm.Get("Status"),
		MerchantID: r.PostForm.Get("MerchantID"),
		TradeInfo:  r.PostForm.Get("TradeInfo"),
		TradeSha:   r.PostForm.Get("TradeSha"),
	}, nil
}

func settled(result string) bool {
	return result == payment.ResultPaid || result == payment.ResultAlreadyPaid
}

// returnCallback handles the browser being sent back by the gateway.
func (h *Handler) returnCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.settleContext(r)
	defer cancel()

	form, err := callbackForm(w, r)
	if err != nil {
		zctx.From(ctx).Warn("Malformed return callback", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, envelope{Message: "malformed callback"})
		return
	}
	res := h.payments.HandleCallback(ctx, payment.CallbackReturn, form)

	var orderID string
	if res.Order != nil {
		orderID = res.Order.ID
	}
	if h.cfg.ReturnRedirect != "" {
		q := url.Values{"result": {res.Result}}
		if orderID != "" {
			q.Set("order_id", orderID)
		}
		http.Redirect(w, r, withQuery(h.cfg.ReturnRedirect, q), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: settled(res.Result),
		Message: res.Result,
		Data:    map[string]string{"order_id": orderID, "result": res.Result},
	})
}

// withQuery merges extra into the query of raw. Keys in extra win.
func withQuery(raw string, extra url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range extra {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// notifyCallback handles the server-to-server notification. The gateway
// retries anything but an empty 200, so the outcome is never reported back.
func (h *Handler) notifyCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.settleContext(r)
	defer cancel()

	form, err := callbackForm(w, r)
	if err != nil {
		zctx.From(ctx).Warn("Malformed notify callback", zap.Error(err))
	} else {
		h.payments.HandleCallback(ctx, payment.CallbackNotify, form)
	}
	w.WriteHeader(http.StatusOK)
}
