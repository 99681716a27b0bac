package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
)

// StreamEntry is one record read from an instance delivery stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Store is the capability surface this server needs from the shared
// store. Single-key operations are assumed atomic; nothing here spans
// keys transactionally.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	XAdd(ctx context.Context, stream string, values map[string]interface{}) error
	// XRead blocks up to block for entries after lastID. lastID "$"
	// means only entries added from now on. A timeout returns
	// (nil, nil), not an error.
	XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error)
	XDel(ctx context.Context, stream string, ids ...string) error

	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a channel of payloads and a close func. The
	// channel is closed when the close func is called.
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)

	Close() error
}

type redisStore struct {
	rdb *redis.Client
}

func newRedisStore(cfg RedisConfig) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *redisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *redisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *redisStore) HKeys(ctx context.Context, key string) ([]string, error) {
	return s.rdb.HKeys(ctx, key).Result()
}

func (s *redisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.rdb.RPush(ctx, key, toAny(values)...).Err()
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *redisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

func (s *redisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *redisStore) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err()
}

func (s *redisStore) XRead(ctx context.Context, stream, lastID string, block time.Duration, count int64) ([]StreamEntry, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, xs := range res {
		for _, m := range xs.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				values[k] = fmt.Sprint(v)
			}
			out = append(out, StreamEntry{ID: m.ID, Values: values})
		}
	}
	return out, nil
}

func (s *redisStore) XDel(ctx context.Context, stream string, ids ...string) error {
	return s.rdb.XDel(ctx, stream, ids...).Err()
}

func (s *redisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	ps := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			out <- m.Payload
		}
	}()
	return out, ps.Close
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
