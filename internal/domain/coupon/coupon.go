package coupon

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by a Repository when no coupon has the given code.
var ErrNotFound = errors.New("coupon not found")

// Coupon is a percentage coupon as stored by the catalog. Percent is the share
// of the total the buyer still pays: 80 means the buyer pays 80%.
type Coupon struct {
	ID        string
	Code      string
	Title     string
	Percent   int
	DueDate   int64 // epoch seconds
	IsEnabled bool
}

// Snapshot is the copy of coupon terms a cart keeps once the coupon has been
// applied. Later edits to the Coupon do not reach an existing Snapshot.
type Snapshot struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Percent int    `json:"percent"`
	Title   string `json:"title"`
}

// Snapshot copies the terms of c.
func (c *Coupon) Snapshot() Snapshot {
	return Snapshot{
		ID:      c.ID,
		Code:    c.Code,
		Percent: c.Percent,
		Title:   c.Title,
	}
}

// Repository provides lookup of coupons by their code.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}
