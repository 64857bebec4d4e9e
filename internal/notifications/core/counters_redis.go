package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"courier/internal/types"
)

// counterFields are the hash field suffixes, one per MetricsCounts column.
var counterFields = []string{"sent", "delivered", "bounced", "hard_bounced", "soft_bounced", "complaints"}

func countsToFields(c types.MetricsCounts) []int64 {
	return []int64{c.Sent, c.Delivered, c.Bounced, c.HardBounced, c.SoftBounced, c.Complaints}
}

func setCountField(c *types.MetricsCounts, field string, v int64) bool {
	switch field {
	case "sent":
		c.Sent += v
	case "delivered":
		c.Delivered += v
	case "bounced":
		c.Bounced += v
	case "hard_bounced":
		c.HardBounced += v
	case "soft_bounced":
		c.SoftBounced += v
	case "complaints":
		c.Complaints += v
	default:
		return false
	}
	return true
}

// RedisCounterStore keeps the live partition in one Redis hash shared by
// every process. Each field is `<dims>|<counter>` and is bumped with
// HINCRBY, so concurrent increments never race. Drain RENAMEs the hash to a
// unique key, which atomically starts a fresh partition.
type RedisCounterStore struct {
	client redis.Cmdable
	live   string
	prefix string
}

var _ CounterStore = (*RedisCounterStore)(nil)

// NewRedisCounterStore uses keys under prefix. The hash tag keeps the live
// and detached keys in one cluster slot so RENAME is valid.
func NewRedisCounterStore(client redis.Cmdable, prefix string) *RedisCounterStore {
	p := fmt.Sprintf("{%s:metrics}", prefix)
	return &RedisCounterStore{client: client, live: p + ":live", prefix: p}
}

func (s *RedisCounterStore) Add(ctx context.Context, dims types.MetricsDims, c types.MetricsCounts) error {
	if c.IsZero() {
		return nil
	}
	return s.incr(ctx, s.live, encodeDims(dims), c)
}

func (s *RedisCounterStore) incr(ctx context.Context, key, dims string, c types.MetricsCounts) error {
	pipe := s.client.TxPipeline()
	for i, v := range countsToFields(c) {
		if v != 0 {
			pipe.HIncrBy(ctx, key, dims+"|"+counterFields[i], v)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to increment live counters", err)
	}
	return nil
}

func (s *RedisCounterStore) Snapshot(ctx context.Context) ([]types.MetricsRollup, error) {
	fields, err := s.client.HGetAll(ctx, s.live).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read live counters", err)
	}
	return parseCounterHash(fields)
}

func (s *RedisCounterStore) Drain(ctx context.Context) (*DrainedBatch, error) {
	detached := fmt.Sprintf("%s:flush:%d:%s", s.prefix, time.Now().Unix(), uuid.NewString())
	if err := s.client.Rename(ctx, s.live, detached).Err(); err != nil {
		if isNoSuchKey(err) {
			return &DrainedBatch{}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to detach live counters", err)
	}

	fields, err := s.client.HGetAll(ctx, detached).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read detached counters", err)
	}
	rows, err := parseCounterHash(fields)
	if err != nil {
		return nil, err
	}

	return &DrainedBatch{
		Rows: rows,
		commit: func(ctx context.Context) error {
			return s.client.Del(ctx, detached).Err()
		},
		rollback: func(ctx context.Context) error {
			return s.merge(ctx, detached)
		},
	}, nil
}

// merge adds a detached hash back into the live partition and deletes it.
func (s *RedisCounterStore) merge(ctx context.Context, detached string) error {
	fields, err := s.client.HGetAll(ctx, detached).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read detached counters", err)
	}
	pipe := s.client.TxPipeline()
	for field, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		pipe.HIncrBy(ctx, s.live, field, v)
	}
	pipe.Del(ctx, detached)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to restore live counters", err)
	}
	return nil
}

func parseCounterHash(fields map[string]string) ([]types.MetricsRollup, error) {
	rows := make(map[string]*types.MetricsRollup)
	for field, raw := range fields {
		i := strings.LastIndex(field, "|")
		if i < 0 {
			continue
		}
		key, counter := field[:i], field[i+1:]
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		row, ok := rows[key]
		if !ok {
			dims, err := decodeDims(key)
			if err != nil {
				continue
			}
			row = &types.MetricsRollup{MetricsDims: dims}
			rows[key] = row
		}
		setCountField(&row.MetricsCounts, counter, v)
	}
	out := make([]types.MetricsRollup, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

// ConnectRedis parses url and pings the server within timeout.
func ConnectRedis(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "invalid REDIS_URL", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "redis is not reachable", err)
	}
	return client, nil
}

// RedisHealthCheck returns a probe suitable for the health monitor.
func RedisHealthCheck(client redis.Cmdable) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
