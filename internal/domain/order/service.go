package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/cartpay/internal/domain/cart"
)

// Carts is the part of the cart service checkout depends on.
type Carts interface {
	Snapshot(ctx context.Context, owner string) (*cart.View, error)
	RetryOnConflict(ctx context.Context, owner string, fn func() error) error
}

// CreateRequest holds checkout input. User is the decoded JSON object so that
// mistyped fields can be reported.
type CreateRequest struct {
	User          map[string]any
	Message       string
	PaymentMethod string
}

// checkoutTimeout bounds a checkout once it no longer follows the request
// that started it.
const checkoutTimeout = 30 * time.Second

// Service is the order ledger.
type Service struct {
	carts   Carts
	orders  Repository
	group   singleflight.Group
	now     func() time.Time
	timeout time.Duration
}

// NewService creates an order Service.
func NewService(carts Carts, orders Repository) *Service {
	return &Service{
		carts:   carts,
		orders:  orders,
		now:     time.Now,
		timeout: checkoutTimeout,
	}
}

// CreateOrder converts the owner's cart into an order. Concurrent checkouts of
// one owner share a single execution. A caller whose buyer, message or payment
// method differ from the one that ran gets ErrEmptyCart, as if it had come
// second. A checkout in flight is not cancelled when its caller goes away.
func (s *Service) CreateOrder(ctx context.Context, owner string, req CreateRequest) (*Order, error) {
	buyer, err := ParseBuyer(req.User)
	if err != nil {
		return nil, err
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = DefaultPaymentMethod
	}

	flight := context.WithoutCancel(ctx)
	ch := s.group.DoChan(owner, func() (any, error) {
		ctx, cancel := context.WithTimeout(flight, s.timeout)
		defer cancel()
		return s.checkout(ctx, owner, buyer, req)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	o := res.Val.(*Order)
	if res.Shared {
		if o.User != buyer || o.Message != req.Message || o.PaymentMethod != req.PaymentMethod {
			zctx.From(ctx).Info("Checkout lost to a concurrent one with other details",
				zap.String("owner", owner),
				zap.String("order_id", o.ID),
			)
			return nil, ErrEmptyCart
		}
		zctx.From(ctx).Debug("Checkout shared with a concurrent request", zap.String("owner", owner))
	}
	return o, nil
}

func (s *Service) checkout(ctx context.Context, owner string, buyer Buyer, req CreateRequest) (*Order, error) {
	method := req.PaymentMethod

	var created *Order
	err := s.carts.RetryOnConflict(ctx, owner, func() error {
		view, err := s.carts.Snapshot(ctx, owner)
		if err != nil {
			return err
		}
		if view.IsEmpty() {
			return ErrEmptyCart
		}

		o := &Order{
			ID:            uuid.New().String(),
			Owner:         owner,
			User:          buyer,
			Message:       req.Message,
			Products:      make([]Item, len(view.Lines)),
			Coupon:        view.Coupon,
			Total:         view.Total,
			FinalTotal:    view.FinalTotal,
			PaymentMethod: method,
			CreateAt:      s.now().UTC().Truncate(time.Microsecond),
		}
		for i, l := range view.Lines {
			o.Products[i] = Item{
				ProductID:  l.ProductID,
				Qty:        l.Qty,
				Product:    l.Product,
				Total:      l.Total,
				FinalTotal: l.FinalTotal,
			}
		}

		if err := s.orders.CreateFromCart(ctx, o, view.Version); err != nil {
			if errors.Is(err, cart.ErrVersionConflict) {
				return err
			}
			return errors.Wrap(err, "create order")
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order created",
		zap.String("order_id", created.ID),
		zap.String("owner", owner),
		zap.String("final_total", created.FinalTotal.String()),
	)
	return created, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// MarkPaid settles an order. Repeated calls return the order unchanged, with
// the paid date of the first call.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.MarkPaid(ctx, id, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AttachMerchantOrderNo records the gateway reference on an unpaid order.
func (s *Service) AttachMerchantOrderNo(ctx context.Context, id, merchantOrderNo string) error {
	return s.orders.AttachMerchantOrderNo(ctx, id, merchantOrderNo)
}

// FindByMerchantOrderNo resolves a gateway reference to its order.
func (s *Service) FindByMerchantOrderNo(ctx context.Context, merchantOrderNo string) (*Order, error) {
	return s.orders.FindByMerchantOrderNo(ctx, merchantOrderNo)
}
