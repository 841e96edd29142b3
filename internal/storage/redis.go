package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/kurv/internal/domain"
)

// RedisStore keeps each cart as a single JSON document under
// kurv:cart:{identifier}:{instance} with a TTL. It supports two write
// modes:
//
//   - versioned (default): a Lua compare-and-swap on the embedded version
//     field rejects stale writers with a ConflictError;
//   - lock mode: a SET NX PX lock serializes writers for a bounded wait
//     instead of using versions; lock acquisition timeout surfaces as an
//     EUNAVAILABLE error, which the retry helper treats as retryable
//     by the caller's policy.
//
// Redis cannot enumerate keys by identifier without SCAN sweeps, so
// Instances returns empty and ForgetIdentifier is a no-op. Callers must
// not rely on enumeration when configured with this backend.
type RedisStore struct {
	client      *redis.Client
	limits      Limits
	ttl         time.Duration
	lockMode    bool
	lockTimeout time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// TTL bounds record lifetime; refreshed on every write. Zero means
	// no expiry.
	TTL time.Duration

	// LockMode serializes writers with a distributed lock instead of
	// version compare-and-swap.
	LockMode bool

	// LockTimeout bounds how long a writer waits for the lock.
	LockTimeout time.Duration
}

const redisKeyPrefix = "kurv:cart:"

// casScript writes the new document only if the stored version matches
// ARGV[1] (-1 skips the check). Returns {1, newVersion} on success and
// {0, currentVersion} on conflict.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ver = 0
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and doc['version'] then ver = tonumber(doc['version']) end
end
local expected = tonumber(ARGV[1])
if expected >= 0 and ver ~= expected then
  return {0, ver}
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return {1, ver + 1}
`)

// unlockScript releases a lock only if the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisDoc struct {
	Items      []map[string]any `json:"items"`
	Conditions []map[string]any `json:"conditions"`
	Metadata   map[string]any   `json:"metadata"`
	Version    int64            `json:"version"`
}

// NewRedisStore creates a Redis-backed store from a pre-built client.
func NewRedisStore(client *redis.Client, limits Limits, cfg RedisConfig) *RedisStore {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}
	return &RedisStore{
		client:      client,
		limits:      limits,
		ttl:         cfg.TTL,
		lockMode:    cfg.LockMode,
		lockTimeout: cfg.LockTimeout,
	}
}

func redisKey(identifier, instance string) string {
	return fmt.Sprintf("%s%s:%s", redisKeyPrefix, identifier, instance)
}

func (s *RedisStore) load(ctx context.Context, identifier, instance string) (*redisDoc, error) {
	raw, err := s.client.Get(ctx, redisKey(identifier, instance)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, "storage.redis.get", "cache read failed")
	}

	var doc redisDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, domain.Internal(err, "storage.redis.get", "corrupt cart record")
	}
	return &doc, nil
}

func (s *RedisStore) GetItems(ctx context.Context, identifier, instance string) ([]map[string]any, error) {
	doc, err := s.load(ctx, identifier, instance)
	if err != nil || doc == nil {
		return []map[string]any{}, err
	}
	if doc.Items == nil {
		return []map[string]any{}, nil
	}
	return doc.Items, nil
}

func (s *RedisStore) PutItems(ctx context.Context, identifier, instance string, items []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, items, nil, nil, expected)
}

func (s *RedisStore) GetConditions(ctx context.Context, identifier, instance string) ([]map[string]any, error) {
	doc, err := s.load(ctx, identifier, instance)
	if err != nil || doc == nil {
		return []map[string]any{}, err
	}
	if doc.Conditions == nil {
		return []map[string]any{}, nil
	}
	return doc.Conditions, nil
}

func (s *RedisStore) PutConditions(ctx context.Context, identifier, instance string, conditions []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, nil, conditions, nil, expected)
}

func (s *RedisStore) PutBoth(ctx context.Context, identifier, instance string, items, conditions []map[string]any, expected int64) error {
	if items == nil {
		items = []map[string]any{}
	}
	if conditions == nil {
		conditions = []map[string]any{}
	}
	return s.put(ctx, identifier, instance, items, conditions, nil, expected)
}

func (s *RedisStore) GetMetadata(ctx context.Context, identifier, instance string) (map[string]any, error) {
	doc, err := s.load(ctx, identifier, instance)
	if err != nil || doc == nil {
		return map[string]any{}, err
	}
	if doc.Metadata == nil {
		return map[string]any{}, nil
	}
	return doc.Metadata, nil
}

func (s *RedisStore) PutMetadata(ctx context.Context, identifier, instance string, metadata map[string]any, expected int64) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.put(ctx, identifier, instance, nil, nil, metadata, expected)
}

// put performs a read-modify-write. Nil parts keep their stored value.
func (s *RedisStore) put(ctx context.Context, identifier, instance string, items, conditions []map[string]any, metadata map[string]any, expected int64) error {
	const op = "storage.redis.put"

	if err := s.limits.check(op, items, conditions, metadata); err != nil {
		return err
	}

	if s.lockMode {
		unlock, err := s.acquireLock(ctx, identifier, instance)
		if err != nil {
			return err
		}
		defer unlock()
		// Under the lock no CAS is needed; writers are serialized.
		expected = VersionUnchecked
	}

	doc, err := s.load(ctx, identifier, instance)
	if err != nil {
		return err
	}
	current := int64(0)
	if doc == nil {
		doc = &redisDoc{
			Items:      []map[string]any{},
			Conditions: []map[string]any{},
			Metadata:   map[string]any{},
		}
	} else {
		current = doc.Version
	}

	if items != nil {
		doc.Items = items
	}
	if conditions != nil {
		doc.Conditions = conditions
	}
	if metadata != nil {
		doc.Metadata = metadata
	}
	doc.Version = current + 1

	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.Internal(err, op, "failed to serialize cart record")
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{redisKey(identifier, instance)},
		expected, payload, s.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.Unavailable(err, op, "cache write failed")
	}

	if len(res) == 2 && res[0] == 0 {
		return &domain.ConflictError{
			Identifier: identifier,
			Instance:   instance,
			Attempted:  expected,
			Current:    res[1],
		}
	}
	return nil
}

// acquireLock polls for the writer lock until lockTimeout elapses.
func (s *RedisStore) acquireLock(ctx context.Context, identifier, instance string) (func(), error) {
	const op = "storage.redis.lock"

	lockKey := redisKeyPrefix + "lock:" + identifier + ":" + instance
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockTimeout)

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, s.lockTimeout).Result()
		if err != nil {
			return nil, domain.Unavailable(err, op, "lock acquisition failed")
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = unlockScript.Run(releaseCtx, s.client, []string{lockKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.Unavailable(nil, op, "timed out waiting for cart write lock")
		}

		select {
		case <-ctx.Done():
			return nil, domain.Unavailable(ctx.Err(), op, "context cancelled waiting for cart write lock")
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *RedisStore) Has(ctx context.Context, identifier, instance string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(identifier, instance)).Result()
	if err != nil {
		return false, domain.Unavailable(err, "storage.redis.has", "cache read failed")
	}
	return n > 0, nil
}

func (s *RedisStore) Forget(ctx context.Context, identifier, instance string) error {
	if err := s.client.Del(ctx, redisKey(identifier, instance)).Err(); err != nil {
		return domain.Unavailable(err, "storage.redis.forget", "cache delete failed")
	}
	return nil
}

// Instances always returns empty: a plain key-value cache cannot enumerate
// keys by identifier. This is a documented backend limitation.
func (s *RedisStore) Instances(_ context.Context, _ string) ([]string, error) {
	return []string{}, nil
}

// ForgetIdentifier is a no-op for the same reason Instances is empty.
func (s *RedisStore) ForgetIdentifier(_ context.Context, _ string) error {
	return nil
}

func (s *RedisStore) SwapIdentifier(ctx context.Context, oldID, newID, instance string) (bool, error) {
	const op = "storage.redis.swap"

	ok, err := s.client.RenameNX(ctx, redisKey(oldID, instance), redisKey(newID, instance)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isRedisNoSuchKey(err) {
			return false, nil
		}
		return false, domain.Unavailable(err, op, "cache rename failed")
	}
	return ok, nil
}

func isRedisNoSuchKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}

func (s *RedisStore) Version(ctx context.Context, identifier, instance string) (int64, error) {
	doc, err := s.load(ctx, identifier, instance)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, nil
	}
	return doc.Version, nil
}

func (s *RedisStore) RowID(_ context.Context, _, _ string) (string, error) {
	return "", ErrUnsupported
}

func (s *RedisStore) CanEnumerate() bool { return false }
