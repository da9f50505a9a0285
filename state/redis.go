package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password for authentication. Empty means none.
	Password string

	// DB is the Redis database number.
	DB int

	// Namespace is prepended to every key so multiple deployments can
	// share a Redis instance. Default: "taskfleet".
	Namespace string
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Namespace: "taskfleet",
	}
}

// RedisStore implements StateStore backed by Redis. State written by one
// manager instance is visible to all others, which is what makes cross-process
// delivery markers and assignment slots work.
type RedisStore struct {
	rdb    *redis.Client
	ns     string
	ctx    context.Context
	closed atomic.Bool
}

// unlockScript releases a lock only if the caller still holds it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends a lock TTL only if the caller still holds it.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultRedisConfig().Addr
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultRedisConfig().Namespace
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{
		rdb: rdb,
		ns:  cfg.Namespace + ".",
		ctx: context.Background(),
	}, nil
}

func (s *RedisStore) nsKey(key string) string {
	return s.ns + key
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	val, err := s.rdb.Get(s.ctx, s.nsKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put stores a value with optional TTL.
func (s *RedisStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	return s.rdb.Set(s.ctx, s.nsKey(key), value, ttl).Err()
}

// PutIfAbsent stores a value only if the key does not already exist.
func (s *RedisStore) PutIfAbsent(key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	return s.rdb.SetNX(s.ctx, s.nsKey(key), value, ttl).Result()
}

// Delete removes a key.
func (s *RedisStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	return s.rdb.Del(s.ctx, s.nsKey(key)).Err()
}

// Keys returns all keys matching a pattern. The trailing-* patterns used
// throughout this module are valid Redis MATCH patterns as-is.
func (s *RedisStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	iter := s.rdb.Scan(s.ctx, 0, s.nsKey(pattern), 256).Iterator()
	for iter.Next(s.ctx) {
		keys = append(keys, iter.Val()[len(s.ns):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Lock acquires a lock using SET NX with a holder token.
func (s *RedisStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lockKey := s.nsKey("_lock." + key)
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(s.ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &redisLock{store: s, key: lockKey, token: token, ttl: ttl}, nil
}

// Close shuts down the store.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rdb.Close()
}

// redisLock implements the Lock interface for RedisStore.
type redisLock struct {
	store    *RedisStore
	key      string
	token    string
	ttl      time.Duration
	released atomic.Bool
}

// Unlock releases the lock if this holder still owns it.
func (l *redisLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	n, err := unlockScript.Run(l.store.ctx, l.store.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}

// Refresh extends the lock TTL if this holder still owns it.
func (l *redisLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	n, err := refreshScript.Run(l.store.ctx, l.store.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		l.released.Store(true)
		return ErrLockExpired
	}
	return nil
}

// Key returns the lock key.
func (l *redisLock) Key() string {
	return l.key
}
