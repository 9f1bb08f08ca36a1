package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"autopilot/internal/adapter/stream"
	"autopilot/internal/usecase/cluster"
)

// redisStreams adapts go-redis to stream.RedisStreamClient and
// cluster.LockClient.
type redisStreams struct {
	client *redis.Client
}

var (
	_ stream.RedisStreamClient = (*redisStreams)(nil)
	_ cluster.LockClient       = (*redisStreams)(nil)
)

func newRedisStreams(ctx context.Context, url string) (*redisStreams, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStreams{client: client}, nil
}

func (r *redisStreams) XAdd(ctx context.Context, key string, values map[string]any) (string, error) {
	return r.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
}

func (r *redisStreams) XRevRange(ctx context.Context, key, end, start string) ([]stream.RedisEntry, error) {
	return toEntries(r.client.XRevRange(ctx, key, end, start).Result())
}

func (r *redisStreams) XRevRangeN(ctx context.Context, key, end, start string, count int64) ([]stream.RedisEntry, error) {
	return toEntries(r.client.XRevRangeN(ctx, key, end, start, count).Result())
}

func toEntries(msgs []redis.XMessage, err error) ([]stream.RedisEntry, error) {
	if err != nil {
		return nil, err
	}
	entries := make([]stream.RedisEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = stream.RedisEntry{ID: m.ID, Values: m.Values}
	}
	return entries, nil
}

func (r *redisStreams) XLen(ctx context.Context, key string) (int64, error) {
	return r.client.XLen(ctx, key).Result()
}

func (r *redisStreams) XTrimMaxLen(ctx context.Context, key string, maxLen int64) error {
	return r.client.XTrimMaxLen(ctx, key, maxLen).Err()
}

func (r *redisStreams) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *redisStreams) DelIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, value).Int()
	return n == 1, err
}

func (r *redisStreams) Close() error { return r.client.Close() }
