package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/cartpay/internal/domain/cart"
	"github.com/xenking/cartpay/internal/domain/coupon"
)

type cartData struct {
	Carts      []cart.Line      `json:"carts"`
	Coupon     *coupon.Snapshot `json:"coupon,omitempty"`
	Total      decimal.Decimal  `json:"total"`
	FinalTotal decimal.Decimal  `json:"final_total"`
}

func newCartData(v *cart.View) cartData {
	lines := v.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	return cartData{
		Carts:      lines,
		Coupon:     v.Coupon,
		Total:      v.Total,
		FinalTotal: v.FinalTotal,
	}
}

type itemRequest struct {
	ProductID string      `json:"product_id"`
	Qty       json.Number `json:"qty"`
}

// parse checks the product id and that qty is a positive integer.
func (req itemRequest) parse() (productID string, qty int, err error) {
	productID = strings.TrimSpace(req.ProductID)
	if productID == "" {
		return "", 0, invalid("product_id", "is required")
	}
	if req.Qty == "" {
		return "", 0, invalid("qty", "is required")
	}
	n, err := req.Qty.Int64()
	if err != nil || n <= 0 || n > math.MaxInt32 {
		return "", 0, invalid("qty", "must be a positive integer")
	}
	return productID, int(n), nil
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	v, err := h.carts.Get(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "", newCartData(v))
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	productID, qty, err := req.parse()
	if err != nil {
		writeError(w, r, err)
		return
	}

	line, err := h.carts.AddItem(r.Context(), chi.URLParam(r, "owner"), productID, qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "added to cart", line)
}

func (h *Handler) setItemQty(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	productID, qty, err := req.parse()
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.carts.SetItemQty(r.Context(), chi.URLParam(r, "owner"), productID, qty); err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "cart updated", nil)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	err := h.carts.RemoveItem(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "product_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "item removed", nil)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), chi.URLParam(r, "owner")); err != nil {
		writeError(w, r, err)
		return
	}
	ok(w, http.StatusOK, "cart cleared", nil)
}

// applyCoupon answers 200 either way; a coupon that could not be applied is
// reported with success=false next to the recomputed cart.
func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	v, outcome, err := h.carts.ApplyCoupon(r.Context(), chi.URLParam(r, "owner"), strings.TrimSpace(req.Code))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: outcome.Applied,
		Message: outcome.Status.Message(),
		Data:    newCartData(v),
	})
}
