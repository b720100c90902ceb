package tracelog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "atr:"

// RedisLog keeps one sorted set per (factor, username), scored by unix nanos.
// Members are "<nanos>|<0|1>|<id>" with nanos zero padded, so members with equal
// scores still sort by time.
type RedisLog struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

var _ Log = (*RedisLog)(nil)

// NewRedis returns a RedisLog. A positive retention refreshes a TTL on each pair's
// key at every append so idle pairs expire on their own.
func NewRedis(rdb redis.UniversalClient, retention time.Duration) *RedisLog {
	return &RedisLog{rdb: rdb, retention: retention}
}

func traceKey(username string, factor FactorType) string {
	return redisKeyPrefix + string(factor) + ":" + username
}

func encodeMember(t Trace) string {
	success := "0"
	if t.Success {
		success = "1"
	}
	return fmt.Sprintf("%019d|%s|%s", t.Time.UnixNano(), success, uuid.NewString())
}

func decodeMember(member string) (time.Time, bool, error) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return time.Time{}, false, fmt.Errorf("malformed trace member %q", member)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, nanos), parts[1] == "1", nil
}

// Append adds t to its pair's sorted set.
func (l *RedisLog) Append(ctx context.Context, t Trace) error {
	key := traceKey(t.Username, t.Factor)

	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(t.Time.UnixNano()), Member: encodeMember(t)})
		if l.retention > 0 {
			pipe.Expire(ctx, key, l.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Recent returns the newest traces of the pair strictly after since.
func (l *RedisLog) Recent(ctx context.Context, username string, factor FactorType, since time.Time, limit int) ([]Trace, error) {
	if limit <= 0 {
		return nil, nil
	}

	lo := "-inf"
	if !since.IsZero() {
		lo = "(" + strconv.FormatInt(lowerBound(since), 10)
	}

	members, err := l.rdb.ZRevRangeByScore(ctx, traceKey(username, factor), &redis.ZRangeBy{
		Min:   lo,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	traces := make([]Trace, 0, len(members))
	for _, member := range members {
		at, success, err := decodeMember(member)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		traces = append(traces, Trace{Username: username, Factor: factor, Time: at, Success: success})
	}
	return traces, nil
}

// Prune trims every pair's set. Empty sets disappear on their own.
func (l *RedisLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	hi := "(" + strconv.FormatInt(before.UnixNano(), 10)

	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, redisKeyPrefix+"*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			n, err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", hi).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLog) Close() error { return nil }
