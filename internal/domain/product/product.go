package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the catalog view the checkout pipeline needs. The catalog itself
// is managed elsewhere; this service only reads it.
type Product struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Category  string          `json:"category"`
	Unit      string          `json:"unit"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url"`
	IsEnabled bool            `json:"is_enabled"`
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
