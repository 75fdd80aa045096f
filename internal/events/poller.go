package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config tunes the outbox poller.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Poller moves outbox rows to Kafka. Delivery is at least once: a row is
// acknowledged only after Kafka accepted it.
type Poller struct {
	store    Store
	writer   Writer
	lg       *zap.Logger
	interval time.Duration
	batch    int
}

// NewPoller creates a Poller.
func NewPoller(store Store, writer Writer, lg *zap.Logger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		store:    store,
		writer:   writer,
		lg:       lg,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
}

// Run publishes on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := p.Drain(ctx)
				if err != nil {
					if ctx.Err() == nil {
						p.lg.Warn("Publish order events", zap.Error(err))
					}
					break
				}
				// A full batch means more rows are likely waiting.
				if n < p.batch {
					break
				}
			}
		}
	}
}

// Drain publishes one batch and returns how many events were acknowledged.
func (p *Poller) Drain(ctx context.Context) (int, error) {
	pending, err := p.store.FetchUnpublished(ctx, p.batch)
	if err != nil {
		return 0, errors.Wrap(err, "fetch")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(pending))
	for i, e := range pending {
		msgs[i] = kafka.Message{
			Key:   []byte(e.OrderID),
			Value: e.Payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.Type)},
			},
			Time: e.CreatedAt,
		}
	}

	writeErr := p.writer.WriteMessages(ctx, msgs...)
	ids := make([]int64, 0, len(pending))
	var partial kafka.WriteErrors
	switch {
	case writeErr == nil:
		for _, e := range pending {
			ids = append(ids, e.ID)
		}
	case errors.As(writeErr, &partial):
		for i, e := range pending {
			if i < len(partial) && partial[i] == nil {
				ids = append(ids, e.ID)
			}
		}
	default:
		return 0, errors.Wrap(writeErr, "write")
	}

	if err := p.store.MarkPublished(ctx, ids); err != nil {
		return 0, errors.Wrap(err, "mark published")
	}
	p.lg.Debug("Published order events", zap.Int("count", len(ids)))
	if writeErr != nil {
		return len(ids), errors.Wrapf(writeErr, "write %d of %d", len(pending)-len(ids), len(pending))
	}
	return len(ids), nil
}
