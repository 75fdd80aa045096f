package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/cartpay/internal/domain/cart"
	"github.com/xenking/cartpay/internal/domain/coupon"
)

const (
	getCartSQL = `SELECT owner, items, coupon, version, updated_at FROM carts WHERE owner = $1`

	insertCartSQL = `INSERT INTO carts (owner, items, coupon, version, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (owner) DO NOTHING
		RETURNING version, updated_at`

	updateCartSQL = `UPDATE carts SET items = $2, coupon = $3, version = version + 1, updated_at = NOW()
		WHERE owner = $1 AND version = $4
		RETURNING version, updated_at`

	emptyCartSQL = `UPDATE carts SET items = '[]', coupon = NULL, version = version + 1, updated_at = NOW()
		WHERE owner = $1 AND version = $2`
)

var _ cart.Store = (*CartStore)(nil)

// CartStore implements cart.Store with a version column used for
// compare-and-swap updates.
type CartStore struct {
	pool *pgxpool.Pool
}

// NewCartStore returns a CartStore that uses the given pool.
func NewCartStore(pool *pgxpool.Pool) *CartStore {
	return &CartStore{pool: pool}
}

// Load returns the owner's cart record.
func (s *CartStore) Load(ctx context.Context, owner string) (*cart.Record, error) {
	rows, err := s.pool.Query(ctx, getCartSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("loading cart %q: %w", owner, err)
	}

	rec, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrCartNotFound
		}
		return nil, fmt.Errorf("loading cart %q: %w", owner, err)
	}
	return &rec, nil
}

// Save inserts or conditionally updates the record.
func (s *CartStore) Save(ctx context.Context, rec *cart.Record) error {
	items, snap, err := encodeCart(rec)
	if err != nil {
		return err
	}

	var row pgx.Row
	if rec.Version == 0 {
		row = s.pool.QueryRow(ctx, insertCartSQL, rec.Owner, items, snap)
	} else {
		row = s.pool.QueryRow(ctx, updateCartSQL, rec.Owner, items, snap, rec.Version)
	}
	if err := row.Scan(&rec.Version, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cart.ErrVersionConflict
		}
		return fmt.Errorf("saving cart %q: %w", rec.Owner, err)
	}
	return nil
}

// Empty clears the record if it is still at version. The row stays so its
// version keeps counting up.
func (s *CartStore) Empty(ctx context.Context, owner string, version int64) error {
	return emptyCart(ctx, s.pool, owner, version)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func emptyCart(ctx context.Context, db execer, owner string, version int64) error {
	tag, err := db.Exec(ctx, emptyCartSQL, owner, version)
	if err != nil {
		return fmt.Errorf("emptying cart %q: %w", owner, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrVersionConflict
	}
	return nil
}

func encodeCart(rec *cart.Record) (items, snap []byte, err error) {
	list := rec.Items
	if list == nil {
		list = []cart.Item{}
	}
	items, err = json.Marshal(list)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling cart items: %w", err)
	}
	if rec.Coupon != nil {
		snap, err = json.Marshal(rec.Coupon)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling cart coupon: %w", err)
		}
	}
	return items, snap, nil
}

func scanCart(row pgx.CollectableRow) (cart.Record, error) {
	var (
		rec   cart.Record
		items []byte
		snap  []byte
	)
	if err := row.Scan(&rec.Owner, &items, &snap, &rec.Version, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(items, &rec.Items); err != nil {
		return rec, fmt.Errorf("unmarshaling cart items: %w", err)
	}
	if len(snap) > 0 {
		var c coupon.Snapshot
		if err := json.Unmarshal(snap, &c); err != nil {
			return rec, fmt.Errorf("unmarshaling cart coupon: %w", err)
		}
		rec.Coupon = &c
	}
	return rec, nil
}
