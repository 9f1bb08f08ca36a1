package stream

import (
	"context"
	"fmt"

	"autopilot/internal/domain"
)

// dataField is the single field each stream entry carries.
const dataField = "data"

// RedisEntry is one raw stream message as returned by XREVRANGE.
type RedisEntry struct {
	ID     string
	Values map[string]any
}

// RedisStreamClient is the subset of Redis Streams commands the backend needs.
// The go-redis adapter lives in cmd/autopilot so this package stays free of
// the client dependency, the same split used for the cluster coordinator.
type RedisStreamClient interface {
	XAdd(ctx context.Context, key string, values map[string]any) (string, error)
	XRevRange(ctx context.Context, key, end, start string) ([]RedisEntry, error)
	XRevRangeN(ctx context.Context, key, end, start string, count int64) ([]RedisEntry, error)
	XLen(ctx context.Context, key string) (int64, error)
	XTrimMaxLen(ctx context.Context, key string, maxLen int64) error
}

var _ domain.StreamBackend = (*Redis)(nil)

// Redis is a StreamBackend on Redis Streams. Several processes may append to
// the same key; Redis assigns the IDs.
type Redis struct {
	client RedisStreamClient
}

// NewRedis creates a Redis backend.
func NewRedis(client RedisStreamClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Append(ctx context.Context, key string, data []byte) (string, error) {
	id, err := r.client.XAdd(ctx, key, map[string]any{dataField: string(data)})
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", domain.ErrStreamUnavailable, key, err)
	}
	return id, nil
}

func (r *Redis) Range(ctx context.Context, key, start, end string, limit int64) ([]domain.StreamEntry, error) {
	if start == "" {
		start = domain.StreamStart
	}
	if end == "" {
		end = domain.StreamEnd
	}
	// COUNT 0 returns nothing, so an unbounded read omits COUNT.
	var msgs []RedisEntry
	var err error
	if limit > 0 {
		msgs, err = r.client.XRevRangeN(ctx, key, end, start, limit)
	} else {
		msgs, err = r.client.XRevRange(ctx, key, end, start)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xrevrange %s: %v", domain.ErrStreamUnavailable, key, err)
	}
	out := make([]domain.StreamEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, domain.StreamEntry{ID: msgs[i].ID, Data: entryData(msgs[i].Values)})
	}
	return out, nil
}

// entryData extracts the payload field. Foreign writers may use other shapes;
// those come back empty and fail decoding upstream.
func entryData(values map[string]any) []byte {
	switch v := values[dataField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	n, err := r.client.XLen(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: xlen %s: %v", domain.ErrStreamUnavailable, key, err)
	}
	return n, nil
}

func (r *Redis) Trim(ctx context.Context, key string, maxLen int64) error {
	if err := r.client.XTrimMaxLen(ctx, key, maxLen); err != nil {
		return fmt.Errorf("%w: xtrim %s: %v", domain.ErrStreamUnavailable, key, err)
	}
	return nil
}
