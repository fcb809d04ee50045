package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
)

// grace keeps an expired entry readable long enough for Sweep to report
// it before Redis drops the key.
const grace = 5 * time.Minute

// putScript stores a submission unless its owner is at the limit.
//
// KEYS[1]: submission key
// KEYS[2]: owner index (sorted set of submission keys scored by expiry)
// ARGV[1]: payload, ARGV[2]: key ttl ms, ARGV[3]: now ms,
// ARGV[4]: limit, ARGV[5]: expiry ms
var putScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[3])
local limit = tonumber(ARGV[4])
if limit > 0 and not redis.call('ZSCORE', KEYS[2], KEYS[1]) and redis.call('ZCARD', KEYS[2]) >= limit then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[5], KEYS[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// Redis is a Store shared by every engine replica.
type Redis struct {
	rdb     *redis.Client
	clock   clock.Clock
	prefix  string
	timeout time.Duration
	max     int
}

// NewRedis returns a Redis store. Keys are namespaced under prefix.
func NewRedis(rdb *redis.Client, clk clock.Clock, prefix string, timeout time.Duration, max int) *Redis {
	return &Redis{rdb: rdb, clock: clk, prefix: prefix, timeout: timeout, max: max}
}

func (r *Redis) entryKey(owner, channel string) string {
	return r.prefix + "pending:" + key(owner, channel)
}

func (r *Redis) indexKey(owner string) string {
	return r.prefix + "pending-owner:" + owner
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, s Submission) error {
	now := r.clock.Now()
	s.CreatedAt = now
	s.ExpiresAt = now.Add(r.timeout)

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling submission: %w", err)
	}

	keys := []string{r.entryKey(s.Owner, s.Channel), r.indexKey(s.Owner)}
	ok, err := putScript.Run(ctx, r.rdb, keys,
		payload,
		(r.timeout + grace).Milliseconds(),
		now.UnixMilli(),
		r.max,
		s.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("storing submission: %w", err)
	}
	if ok == 0 {
		return ErrLimit
	}
	return nil
}

// Take implements Store.
func (r *Redis) Take(ctx context.Context, owner, channel string) (*Submission, error) {
	k := r.entryKey(owner, channel)
	s, err := r.take(ctx, owner, k)
	if err != nil {
		return nil, err
	}
	if !r.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Redis) take(ctx context.Context, owner, k string) (*Submission, error) {
	var get *redis.StringCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.GetDel(ctx, k)
		p.ZRem(ctx, r.indexKey(owner), k)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking submission: %w", err)
	}

	var s Submission
	if err := json.Unmarshal([]byte(get.Val()), &s); err != nil {
		return nil, fmt.Errorf("unmarshaling submission: %w", err)
	}
	return &s, nil
}

// Sweep implements Store.
func (r *Redis) Sweep(ctx context.Context) ([]Submission, error) {
	now := strconv.FormatInt(r.clock.Now().UnixMilli(), 10)

	var expired []Submission
	iter := r.rdb.Scan(ctx, 0, r.prefix+"pending-owner:*", 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		members, err := r.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
		if err != nil {
			return expired, fmt.Errorf("reading %s: %w", index, err)
		}
		owner := index[len(r.prefix+"pending-owner:"):]
		for _, k := range members {
			s, err := r.take(ctx, owner, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired = append(expired, *s)
		}
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("scanning owner indexes: %w", err)
	}
	return expired, nil
}

// Purge implements Store.
func (r *Redis) Purge(ctx context.Context) error {
	for _, pattern := range []string{r.prefix + "pending:*", r.prefix + "pending-owner:*"} {
		iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := r.rdb.Unlink(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("removing %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scanning %s: %w", pattern, err)
		}
	}
	return nil
}

// Ping checks the connection to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
