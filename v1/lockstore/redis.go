package lockstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Each record lives in one hash so a script can read and write the
// token and refresh time atomically.
var (
	redisEnsureScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "token", "", "ts", "0")
end
return redis.call("HMGET", KEYS[1], "token", "ts")`)

	redisSwapScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "token", "ts")
if cur[1] == ARGV[1] and cur[2] == ARGV[2] then
	redis.call("HSET", KEYS[1], "token", ARGV[3], "ts", ARGV[4])
	return 1
end
return 0`)
)

// RedisStore keeps lock records in Redis hashes. It fits deployments
// that already run Redis for caching and accept its durability model
// for lock state.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. The caller owns the client
// and its lifetime. Keys are prefixed with "turnstile:lock:".
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "turnstile:lock:"}
}

func (s *RedisStore) key(entityID string) string {
	return s.prefix + entityID
}

func (s *RedisStore) Ensure(ctx context.Context, entityID string) (Record, error) {
	vals, err := redisEnsureScript.Run(ctx, s.client, []string{s.key(entityID)}).Slice()
	if err != nil {
		return Record{}, fmt.Errorf("%w: ensure %q: %v", ErrUnavailable, entityID, err)
	}
	return recordFromReply(entityID, vals)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, entityID string, expect, next Claim) (bool, error) {
	swapped, err := redisSwapScript.Run(ctx, s.client, []string{s.key(entityID)},
		expect.Token, formatMilli(expect.RefreshedAt),
		next.Token, formatMilli(next.RefreshedAt)).Bool()
	if err != nil {
		return false, fmt.Errorf("%w: swap %q: %v", ErrUnavailable, entityID, err)
	}
	return swapped, nil
}

func (s *RedisStore) Read(ctx context.Context, entityID string) (Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(entityID), "token", "ts").Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, entityID, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}
	rec, err := recordFromReply(entityID, vals)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func formatMilli(t time.Time) string {
	return strconv.FormatInt(unixMilli(t), 10)
}

func recordFromReply(entityID string, vals []interface{}) (Record, error) {
	if len(vals) != 2 {
		return Record{}, fmt.Errorf("%w: malformed record for %q", ErrUnavailable, entityID)
	}
	token, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: malformed refresh time for %q: %v", ErrUnavailable, entityID, err)
	}
	return Record{EntityID: entityID, OwnerToken: token, RefreshedAt: fromMilli(ms)}, nil
}
