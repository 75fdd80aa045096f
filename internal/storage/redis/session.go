// Package redis implements the payment session registry on Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/cartpay/internal/domain/payment"
)

const keyPrefix = "payment:session:"

var _ payment.Registry = (*SessionRegistry)(nil)

// SessionRegistry stores payment sessions as JSON values that expire after
// a fixed TTL.
type SessionRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSessionRegistry returns a SessionRegistry. A non-positive ttl defaults
// to 30 minutes.
func NewSessionRegistry(client redis.UniversalClient, ttl time.Duration) *SessionRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionRegistry{client: client, ttl: ttl}
}

// Register stores s, replacing any session with the same number.
func (r *SessionRegistry) Register(ctx context.Context, s *payment.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling payment session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.MerchantOrderNo), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing payment session %q: %w", s.MerchantOrderNo, err)
	}
	return nil
}

// Lookup returns payment.ErrSessionNotFound for unknown or expired numbers.
func (r *SessionRegistry) Lookup(ctx context.Context, no string) (*payment.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(no)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, payment.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading payment session %q: %w", no, err)
	}

	var s payment.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling payment session %q: %w", no, err)
	}
	return &s, nil
}

// Remove deletes a session. Removing an unknown number is not an error.
func (r *SessionRegistry) Remove(ctx context.Context, no string) error {
	if err := r.client.Del(ctx, sessionKey(no)).Err(); err != nil {
		return fmt.Errorf("removing payment session %q: %w", no, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *SessionRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func sessionKey(no string) string {
	return keyPrefix + no
}
