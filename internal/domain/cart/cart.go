package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/product"
)

var (
	// ErrCartNotFound is returned when a cart that must exist does not, or
	// holds no items.
	ErrCartNotFound = errors.New("cart not found")
	// ErrVersionConflict is returned by a Store when the record changed since
	// it was loaded.
	ErrVersionConflict = errors.New("cart version conflict")
	// ErrConcurrentUpdate is returned when a mutation kept losing to
	// concurrent writers. It is transient: the caller may retry.
	ErrConcurrentUpdate = errors.New("cart is being modified concurrently, retry later")
)

// InvalidQuantityError indicates a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
	Qty       int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("qty must be a positive integer for product %s, got %d", e.ProductID, e.Qty)
}

// ProductNotFoundError indicates a product the catalog does not know.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Unwrap() error { return product.ErrNotFound }

// ProductDisabledError indicates a product that exists but is not for sale.
type ProductDisabledError struct {
	ProductID string
}

func (e *ProductDisabledError) Error() string {
	return fmt.Sprintf("product %s is not enabled", e.ProductID)
}

// ItemNotInCartError indicates a mutation addressed a product the cart does
// not hold.
type ItemNotInCartError struct {
	ProductID string
}

func (e *ItemNotInCartError) Error() string {
	return fmt.Sprintf("product %s is not in the cart", e.ProductID)
}

// Item is a stored cart line. Prices are never stored with it.
type Item struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Record is the persisted state of one owner's cart. Version increases on
// every successful write, including Empty, and never goes back: an emptied
// cart keeps its row so a stale version can not match a later cart.
type Record struct {
	Owner     string
	Items     []Item
	Coupon    *coupon.Snapshot
	Version   int64
	UpdatedAt time.Time
}

// IsEmpty reports whether the record holds no items. A never-created cart
// and an emptied one are both empty.
func (r *Record) IsEmpty() bool {
	return len(r.Items) == 0
}

func (r *Record) indexOf(productID string) int {
	for i, it := range r.Items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

// Store persists cart records with compare-and-swap semantics.
type Store interface {
	// Load returns ErrCartNotFound when the owner never had a cart. An emptied
	// cart is returned with no items and its current version.
	Load(ctx context.Context, owner string) (*Record, error)
	// Save inserts the record when rec.Version is 0 and otherwise updates it
	// only if the stored version still equals rec.Version. On success
	// rec.Version holds the new version. A lost race yields ErrVersionConflict.
	Save(ctx context.Context, rec *Record) error
	// Empty drops the items and coupon if the stored version equals version,
	// bumping the version like Save does. A lost race yields ErrVersionConflict.
	Empty(ctx context.Context, owner string, version int64) error
}

// Line is a cart item resolved against the catalog at read time.
type Line struct {
	ProductID  string           `json:"product_id"`
	Qty        int              `json:"qty"`
	Product    product.Product  `json:"product"`
	Coupon     *coupon.Snapshot `json:"coupon,omitempty"`
	Total      decimal.Decimal  `json:"total"`
	FinalTotal decimal.Decimal  `json:"final_total"`
}

// View is a cart with totals computed from current catalog prices.
type View struct {
	Owner      string
	Lines      []Line
	Coupon     *coupon.Snapshot
	Total      decimal.Decimal
	FinalTotal decimal.Decimal
	Version    int64
}

// IsEmpty reports whether the view has no lines.
func (v *View) IsEmpty() bool {
	return len(v.Lines) == 0
}

// Outcome describes a coupon application attempt. Applied=false is a normal
// result, not an error.
type Outcome struct {
	Applied bool
	Status  coupon.Status
}
