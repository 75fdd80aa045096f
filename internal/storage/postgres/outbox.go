package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/events"
)

const (
	insertEventSQL = `INSERT INTO order_events (order_id, event_type, payload) VALUES ($1, $2, $3)`

	fetchUnpublishedSQL = `SELECT id, order_id::text, event_type, payload, created_at
		FROM order_events WHERE published_at IS NULL
		ORDER BY id LIMIT $1`

	markPublishedSQL = `UPDATE order_events SET published_at = NOW() WHERE id = ANY($1)`
)

var _ events.Store = (*OutboxRepository)(nil)

// OutboxRepository reads and acknowledges queued order events.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// FetchUnpublished returns up to limit events in insertion order.
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := r.pool.Query(ctx, fetchUnpublishedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching unpublished events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var e events.Event
		err := row.Scan(&e.ID, &e.OrderID, &e.Type, &e.Payload, &e.CreatedAt)
		return e, err
	})
}

// MarkPublished acknowledges events.
func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, markPublishedSQL, ids); err != nil {
		return fmt.Errorf("marking %d events published: %w", len(ids), err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, o *order.Order, eventType string) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	if _, err := tx.Exec(ctx, insertEventSQL, o.ID, eventType, payload); err != nil {
		return fmt.Errorf("queueing %s for order %q: %w", eventType, o.ID, err)
	}
	return nil
}
