package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

// RedisStore keeps order records as JSON strings with a sorted-set index by
// creation time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	index  string
	ttl    time.Duration
}

// NewRedisStore uses client without owning it. ttl of zero keeps records
// forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "order:",
		index:  "orders:by-created",
		ttl:    ttl,
	}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Create(ctx context.Context, o *order.Order) error {
	data, err := encodeOrder(o)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(o.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	if !ok {
		return ErrExists
	}
	score := float64(o.CreatedAt.UnixNano())
	if err := r.client.ZAdd(ctx, r.index, redis.Z{Score: score, Member: o.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index order: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*order.Order, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order from redis: %w", err)
	}
	return decodeOrder(data)
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*order.Order) error) (*order.Order, error) {
	o, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	data, err := encodeOrder(o)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, r.key(id), data, redis.KeepTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	return o, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]*order.Order, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, r.index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisStore) Close() error { return nil }

var _ OrderStore = (*RedisStore)(nil)
