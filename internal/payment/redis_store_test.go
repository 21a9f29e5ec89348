package payment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisTest(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redistest: connect: %v", err)
	}

	store := NewRedisStoreWithClient(client, time.Hour)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), redisKeyPrefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = client.Close()
	})
	return store
}

func TestRedisStore_CRUD(t *testing.T) {
	store := redisTest(t)
	ctx := context.Background()

	rec := newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	err := store.Create(ctx, rec)
	assert.True(t, errors.Is(err, ErrRecordExists))

	got, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.CanonicalStatus)

	got.CanonicalStatus = StatusPaid
	got.AddTag(TagMarkedPaid)
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, updated.CanonicalStatus)
	assert.True(t, updated.HasTag(TagMarkedPaid))

	// The update kept the retention TTL alive.
	ttl, err := store.client.TTL(ctx, redisKey(rec.PaymentID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	_, err = store.Get(ctx, "pay_missing")
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	err = store.Update(ctx, &PaymentRecord{PaymentID: "pay_missing"})
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}
