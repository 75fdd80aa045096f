// Package handler exposes the cart, order and payment services over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/cartpay/internal/domain/cart"
	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/domain/payment"
)

// Gateway callback paths. They are posted by the payment gateway, not by a
// browser, and are exempt from CORS and rate limiting.
const (
	PathReturn = "/newebpay_return"
	PathNotify = "/newebpay_notify"
)

// Carts is the cart store as seen by the HTTP layer.
type Carts interface {
	Get(ctx context.Context, owner string) (*cart.View, error)
	AddItem(ctx context.Context, owner, productID string, qty int) (*cart.Line, error)
	SetItemQty(ctx context.Context, owner, productID string, qty int) error
	RemoveItem(ctx context.Context, owner, productID string) error
	Clear(ctx context.Context, owner string) error
	ApplyCoupon(ctx context.Context, owner, code string) (*cart.View, cart.Outcome, error)
}

// Orders is the order ledger as seen by the HTTP layer.
type Orders interface {
	CreateOrder(ctx context.Context, owner string, req order.CreateRequest) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	MarkPaid(ctx context.Context, id string) (*order.Order, error)
}

// Payments is the gateway integration as seen by the HTTP layer.
type Payments interface {
	CreateEnvelope(ctx context.Context, req payment.EnvelopeRequest) (*payment.Envelope, error)
	SendPayment(ctx context.Context, tradeInfo, tradeSha string) (*payment.GatewayResponse, error)
	HandleCallback(ctx context.Context, kind payment.CallbackKind, form payment.CallbackForm) payment.CallbackResult
}

// Config holds non-dependency handler settings.
type Config struct {
	// RequestTimeout bounds every API request. Zero means 15s.
	RequestTimeout time.Duration
	// ReturnRedirect, when set, is where the browser lands after the return
	// callback was processed. The order id is appended as ?order_id=.
	ReturnRedirect string
}

// Handler serves the cart, order and payment API.
type Handler struct {
	carts    Carts
	orders   Orders
	payments Payments
	cfg      Config
}

// New creates a Handler.
func New(cfg Config, carts Carts, orders Orders, payments Payments) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return &Handler{
		carts:    carts,
		orders:   orders,
		payments: payments,
		cfg:      cfg,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.timeout)

		r.Route("/cart/{owner}", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Post("/add", h.addItem)
			r.Put("/", h.setItemQty)
			r.Delete("/", h.clearCart)
			r.Delete("/{product_id}", h.removeItem)
			r.Post("/coupon", h.applyCoupon)
		})

		r.Post("/order/{owner}", h.createOrder)
		r.Get("/order/{id}", h.getOrder)
		r.Post("/pay/{id}", h.payOrder)

		r.Post("/createOrder", h.createEnvelope)
		r.Post("/sendPayment", h.sendPayment)
	})

	// Callbacks run detached from the client connection; see settleContext.
	r.Post(PathReturn, h.returnCallback)
	r.Post(PathNotify, h.notifyCallback)
}

// settleContext outlives a dropped gateway connection so that a verified
// payment is never abandoned half-way, but is still bounded.
func (h *Handler) settleContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.RequestTimeout)
}

func (h *Handler) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
