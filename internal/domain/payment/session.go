package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrSessionNotFound is returned by a Registry for unknown or expired
// merchant order numbers.
var ErrSessionNotFound = errors.New("payment session not found")

// Session is an envelope awaiting a gateway callback.
type Session struct {
	MerchantOrderNo string    `json:"merchant_order_no"`
	OrderID         string    `json:"order_id"`
	TradeInfo       string    `json:"trade_info"`
	TradeSha        string    `json:"trade_sha"`
	Amount          int64     `json:"amount"`
	CreatedAt       time.Time `json:"created_at"`
}

// Registry keeps sessions for a bounded time. It is not the source of truth
// for orders; a miss is resolved against the ledger.
type Registry interface {
	Register(ctx context.Context, s *Session) error
	Lookup(ctx context.Context, merchantOrderNo string) (*Session, error)
	Remove(ctx context.Context, merchantOrderNo string) error
}
