package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "payzbridge:payment:"

// RedisStore persists each record as one JSON value keyed by payment id,
// with a TTL equal to the retention window. Redis expiry is the retention
// mechanism; no explicit cleanup is needed.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a Redis-backed record store.
func NewRedisStore(addr string, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		retention: retention,
	}
}

// NewRedisStoreWithClient wraps an existing client (for testing).
func NewRedisStoreWithClient(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func redisKey(paymentID string) string {
	return redisKeyPrefix + paymentID
}

func (s *RedisStore) Create(ctx context.Context, rec *PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(rec.PaymentID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrRecordExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	data, err := s.client.Get(ctx, redisKey(paymentID)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Update(ctx context.Context, rec *PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// KeepTTL preserves the retention deadline set at creation.
	set, err := s.client.SetXX(ctx, redisKey(rec.PaymentID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setxx: %w", err)
	}
	if !set {
		return ErrRecordNotFound
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
