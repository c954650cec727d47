package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rx:inbox:"

// releaseScript deletes KEYS[1] only while it is a STARTED claim held by
// ARGV[2], so an expired holder cannot drop a newer delivery's claim.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local entry = cjson.decode(raw)
if entry.status == ARGV[1] and entry.owner == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps inbox entries in Redis. Leases and TTLs map onto key
// expiry, so no sweeping is needed.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses a redis:// URL into a client
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &Entry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("decode inbox entry %s: %w", key, err)
	}
	return entry, nil
}

func (s *RedisStore) Claim(ctx context.Context, key, handler, owner string, lease time.Duration) (bool, error) {
	raw, err := json.Marshal(Entry{Key: key, Handler: handler, Owner: owner, Status: StatusStarted, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, redisKey(key), raw, lease).Result()
}

func (s *RedisStore) Finish(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	raw, err := json.Marshal(Entry{Key: key, Status: StatusFinished, Result: result, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(key), raw, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{redisKey(key)}, string(StatusStarted), owner).Err()
}
