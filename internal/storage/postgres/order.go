package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/order"
)

const (
	orderColumns = `id, owner, buyer, message, products, coupon, total, final_total,
		is_paid, paid_date, payment_method, merchant_order_no, create_at`

	createOrderSQL = `INSERT INTO orders (id, owner, buyer, message, products, coupon, total, final_total,
		is_paid, payment_method, create_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByMerchantNoSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE id = (SELECT order_id FROM payment_attempts WHERE merchant_order_no = $1)`

	markOrderPaidSQL = `UPDATE orders SET is_paid = TRUE, paid_date = $2
		WHERE id = $1 AND NOT is_paid
		RETURNING ` + orderColumns

	attachMerchantNoSQL = `UPDATE orders SET merchant_order_no = $2 WHERE id = $1 AND NOT is_paid`

	insertAttemptSQL = `INSERT INTO payment_attempts (merchant_order_no, order_id) VALUES ($1, $2)`

	orderStateSQL = `SELECT is_paid FROM orders WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. State
// changes write their outbox row in the same transaction.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateFromCart persists the order, queues order.created and deletes the
// cart it was built from.
func (r *OrderRepository) CreateFromCart(ctx context.Context, o *order.Order, cartVersion int64) error {
	buyer, err := json.Marshal(o.User)
	if err != nil {
		return fmt.Errorf("marshaling buyer: %w", err)
	}
	products, err := json.Marshal(o.Products)
	if err != nil {
		return fmt.Errorf("marshaling order products: %w", err)
	}
	var snap []byte
	if o.Coupon != nil {
		if snap, err = json.Marshal(o.Coupon); err != nil {
			return fmt.Errorf("marshaling order coupon: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.Owner, buyer, o.Message, products, snap, o.Total, o.FinalTotal,
			o.PaymentMethod, o.CreateAt,
		); err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}
		if err := insertEvent(ctx, tx, o, order.EventCreated); err != nil {
			return err
		}
		return emptyCart(ctx, tx, o.Owner, cartVersion)
	})
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrOrderNotFound
	}
	return r.queryOne(ctx, getOrderSQL, id)
}

// FindByMerchantOrderNo returns the order any issued gateway reference
// belongs to, not only the latest one.
func (r *OrderRepository) FindByMerchantOrderNo(ctx context.Context, no string) (*order.Order, error) {
	return r.queryOne(ctx, getOrderByMerchantNoSQL, no)
}

// MarkPaid flips is_paid once and queues order.paid on that transition.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, paidAt time.Time) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrOrderNotFound
	}

	var paid *order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, markOrderPaidSQL, id, paidAt)
		if err != nil {
			return fmt.Errorf("marking order %q paid: %w", id, err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("marking order %q paid: %w", id, err)
		}
		paid = &o
		return insertEvent(ctx, tx, &o, order.EventPaid)
	})
	if err != nil {
		return nil, err
	}
	if paid != nil {
		return paid, nil
	}
	// Already paid, or missing.
	return r.queryOne(ctx, getOrderSQL, id)
}

// AttachMerchantOrderNo records the gateway reference of an unpaid order.
// The order keeps the latest number; every number stays resolvable through
// payment_attempts.
func (r *OrderRepository) AttachMerchantOrderNo(ctx context.Context, id, no string) error {
	if _, err := uuid.Parse(id); err != nil {
		return order.ErrOrderNotFound
	}
	var attached bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, attachMerchantNoSQL, id, no)
		if err != nil {
			return fmt.Errorf("attaching merchant order no to %q: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, insertAttemptSQL, no, id); err != nil {
			return fmt.Errorf("recording payment attempt %q: %w", no, err)
		}
		attached = true
		return nil
	})
	if err != nil {
		return err
	}
	if attached {
		return nil
	}

	var isPaid bool
	if err := r.pool.QueryRow(ctx, orderStateSQL, id).Scan(&isPaid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("reading order %q state: %w", id, err)
	}
	return order.ErrAlreadyPaid
}

func (r *OrderRepository) queryOne(ctx context.Context, sql string, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o          order.Order
		id         uuid.UUID
		buyer      []byte
		products   []byte
		snap       []byte
		merchantNo *string
	)
	err := row.Scan(
		&id, &o.Owner, &buyer, &o.Message, &products, &snap, &o.Total, &o.FinalTotal,
		&o.IsPaid, &o.PaidDate, &o.PaymentMethod, &merchantNo, &o.CreateAt,
	)
	if err != nil {
		return o, err
	}
	o.ID = id.String()
	if merchantNo != nil {
		o.MerchantOrderNo = *merchantNo
	}
	if err := json.Unmarshal(buyer, &o.User); err != nil {
		return o, fmt.Errorf("unmarshaling buyer: %w", err)
	}
	if err := json.Unmarshal(products, &o.Products); err != nil {
		return o, fmt.Errorf("unmarshaling order products: %w", err)
	}
	if len(snap) > 0 {
		var c coupon.Snapshot
		if err := json.Unmarshal(snap, &c); err != nil {
			return o, fmt.Errorf("unmarshaling order coupon: %w", err)
		}
		o.Coupon = &c
	}
	return o, nil
}
