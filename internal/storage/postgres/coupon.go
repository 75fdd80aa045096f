package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/cartpay/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT id, code, title, percent, due_date, is_enabled
		FROM coupons WHERE code = $1`

	upsertCouponSQL = `INSERT INTO coupons (id, code, title, percent, due_date, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			title = EXCLUDED.title, percent = EXCLUDED.percent,
			due_date = EXCLUDED.due_date, is_enabled = EXCLUDED.is_enabled`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its exact code, whatever its state.
// Expiry and enablement are judged by the coupon engine.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// UpsertBatch inserts or replaces coupons keyed by code.
func (r *CouponRepository) UpsertBatch(ctx context.Context, coupons []coupon.Coupon) error {
	batch := &pgx.Batch{}
	for _, c := range coupons {
		batch.Queue(upsertCouponSQL, c.ID, c.Code, c.Title, c.Percent, c.DueDate, c.IsEnabled)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d coupons: %w", len(coupons), err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c       coupon.Coupon
		percent int32
	)
	err := row.Scan(&c.ID, &c.Code, &c.Title, &percent, &c.DueDate, &c.IsEnabled)
	c.Percent = int(percent)
	return c, err
}
