package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cartpay/internal/domain/payment"
)

func setupRegistry(t *testing.T, ttl time.Duration) (*SessionRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionRegistry(client, ttl), mr
}

func testSession() *payment.Session {
	return &payment.Session{
		MerchantOrderNo: "1700000000123_0f8fad5b",
		OrderID:         "0f8fad5b-d9cb-469f-a165-70867728950e",
		TradeInfo:       "abcdef",
		TradeSha:        "ABCDEF",
		Amount:          100,
		CreatedAt:       time.Unix(1700000000, 0).UTC(),
	}
}

func TestRegisterLookup(t *testing.T) {
	ctx := context.Background()
	reg, mr := setupRegistry(t, time.Minute)
	s := testSession()

	require.NoError(t, reg.Register(ctx, s))
	assert.True(t, mr.Exists("payment:session:"+s.MerchantOrderNo))
	assert.Equal(t, time.Minute, mr.TTL("payment:session:"+s.MerchantOrderNo))

	got, err := reg.Lookup(ctx, s.MerchantOrderNo)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestLookup_Missing(t *testing.T) {
	reg, _ := setupRegistry(t, 0)

	_, err := reg.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestLookup_Expired(t *testing.T) {
	ctx := context.Background()
	reg, mr := setupRegistry(t, time.Minute)
	s := testSession()
	require.NoError(t, reg.Register(ctx, s))

	mr.FastForward(time.Minute + time.Second)

	_, err := reg.Lookup(ctx, s.MerchantOrderNo)
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	reg, mr := setupRegistry(t, 0)
	s := testSession()
	require.NoError(t, reg.Register(ctx, s))

	assert.Equal(t, 30*time.Minute, mr.TTL("payment:session:"+s.MerchantOrderNo))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	reg, _ := setupRegistry(t, time.Minute)
	s := testSession()
	require.NoError(t, reg.Register(ctx, s))

	require.NoError(t, reg.Remove(ctx, s.MerchantOrderNo))
	require.NoError(t, reg.Remove(ctx, s.MerchantOrderNo), "removing twice is fine")

	_, err := reg.Lookup(ctx, s.MerchantOrderNo)
	assert.ErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestLookup_CorruptValue(t *testing.T) {
	ctx := context.Background()
	reg, mr := setupRegistry(t, time.Minute)
	require.NoError(t, mr.Set("payment:session:bad", "not json"))

	_, err := reg.Lookup(ctx, "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrSessionNotFound)
}

func TestRegistryUnavailable(t *testing.T) {
	ctx := context.Background()
	reg, mr := setupRegistry(t, time.Minute)
	mr.Close()

	assert.Error(t, reg.Register(ctx, testSession()))
	_, err := reg.Lookup(ctx, "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrSessionNotFound)
	assert.Error(t, reg.Ping(ctx))
}
