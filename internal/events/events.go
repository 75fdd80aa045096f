// Package events publishes the order outbox to Kafka.
package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one queued outbox row.
type Event struct {
	ID        int64
	OrderID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store reads and acknowledges outbox rows.
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

// Writer is the subset of *kafka.Writer the poller uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer for topic that hashes keys so that the
// events of one order stay in one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
