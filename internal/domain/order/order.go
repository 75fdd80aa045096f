package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/product"
)

// DefaultPaymentMethod is used when checkout does not name one.
const DefaultPaymentMethod = "credit_card"

// Outbox event types written alongside order state changes.
const (
	EventCreated = "order.created"
	EventPaid    = "order.paid"
)

var (
	// ErrEmptyCart is returned when checking out a cart with no items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrOrderNotFound is returned when an order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyPaid is returned when an operation requires an unpaid order.
	ErrAlreadyPaid = errors.New("order is already paid")
)

// Buyer is the contact snapshot taken at checkout.
type Buyer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Tel     string `json:"tel"`
	Address string `json:"address"`
}

// Item is a cart line frozen at checkout, product data included.
type Item struct {
	ProductID  string          `json:"product_id"`
	Qty        int             `json:"qty"`
	Product    product.Product `json:"product"`
	Total      decimal.Decimal `json:"total"`
	FinalTotal decimal.Decimal `json:"final_total"`
}

// Order is immutable after creation except for the payment transition and the
// gateway reference.
type Order struct {
	ID              string           `json:"id"`
	Owner           string           `json:"owner"`
	User            Buyer            `json:"user"`
	Message         string           `json:"message"`
	Products        []Item           `json:"products"`
	Coupon          *coupon.Snapshot `json:"coupon,omitempty"`
	Total           decimal.Decimal  `json:"total"`
	FinalTotal      decimal.Decimal  `json:"final_total"`
	IsPaid          bool             `json:"is_paid"`
	PaidDate        *time.Time       `json:"paid_date,omitempty"`
	PaymentMethod   string           `json:"payment_method"`
	MerchantOrderNo string           `json:"merchant_order_no,omitempty"`
	CreateAt        time.Time        `json:"create_at"`
}

// Repository defines persistence operations for orders.
type Repository interface {
	// CreateFromCart stores the order and an EventCreated outbox row, and
	// deletes the owner's cart if it is still at cartVersion, all in one
	// transaction. A changed cart rolls everything back with
	// cart.ErrVersionConflict.
	CreateFromCart(ctx context.Context, o *Order, cartVersion int64) error
	// Get returns ErrOrderNotFound when the order does not exist.
	Get(ctx context.Context, id string) (*Order, error)
	// MarkPaid flips is_paid once, recording paidAt and an EventPaid outbox
	// row. Later calls change nothing. It returns the stored order.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) (*Order, error)
	// AttachMerchantOrderNo records the gateway reference of an unpaid order.
	// Earlier references of the same order stay resolvable.
	AttachMerchantOrderNo(ctx context.Context, id, merchantOrderNo string) error
	// FindByMerchantOrderNo resolves any reference ever attached. It returns
	// ErrOrderNotFound for unknown numbers.
	FindByMerchantOrderNo(ctx context.Context, merchantOrderNo string) (*Order, error)
}
