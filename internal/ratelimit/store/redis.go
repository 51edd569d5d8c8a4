package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/retry"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// fixedWindowScript increments a counter and sets its expiry when it has
// none, returning the count and the remaining TTL in milliseconds.
// KEYS[1] = key
// ARGV[1] = window in milliseconds
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// slidingWindowScript keeps a sorted set of hit timestamps. It drops hits
// that left the window, records the new one and returns the hit count and
// the time until the oldest hit leaves the window.
// KEYS[1] = key
// ARGV[1] = now in milliseconds
// ARGV[2] = window in milliseconds
// ARGV[3] = unique member
var slidingWindowScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	redis.call('ZADD', KEYS[1], now, ARGV[3])
	local count = redis.call('ZCARD', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], window)
	local ttl = window
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		ttl = tonumber(oldest[2]) + window - now
	end
	return {count, ttl}
`)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectionRetries is the number of retries after a failed initial
	// connection.
	ConnectionRetries int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	Logger  observability.Logger
	Metrics *observability.Metrics
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:           "localhost:6379",
		PoolSize:          10,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      time.Second,
		ConnectionRetries: 3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

func (c RedisConfig) normalized() RedisConfig {
	d := DefaultRedisConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ConnectionRetries < 0 {
		c.ConnectionRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
	return c
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	logger  observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
}

// NewRedisStore connects to Redis, retrying with decorrelated jitter
// backoff until the configured retries are exhausted or ctx is done.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = cfg.normalized()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := connectWithRetry(ctx, client, cfg); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func connectWithRetry(ctx context.Context, client *redis.Client, cfg RedisConfig) error {
	attempts := 0
	err := retry.Do(ctx, retry.Policy{
		Retries: cfg.ConnectionRetries,
		Backoff: retry.NewDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			cfg.Logger.Debug("redis connection failed, retrying",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", wait),
				observability.Error(err),
			)
			cfg.Metrics.IncStoreRetries()
		},
	}, func(ctx context.Context) error {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		if attempts > 1 {
			cfg.Logger.Info("redis connection established after retry",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempts),
			)
		}
		return nil
	case errors.As(err, &exhausted):
		return util.NewStoreError("connect", cfg.Address, exhausted)
	default:
		return fmt.Errorf("redis connection canceled: %w", err)
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation(op, status, time.Since(start))
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (n int64, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrKeyNotFound) {
			s.metrics.RecordStoreOperation("get", "not_found", time.Since(start))
			return
		}
		s.observe("get", start, err)
	}()

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis get: %w", err)
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, util.NewStoreError("get", key, err)
	}
	n, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse counter %q: %w", key, err)
	}
	return n, nil
}

// IncrementAndExpire implements Store.
func (s *RedisStore) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (c Counter, err error) {
	start := time.Now()
	defer func() { s.observe("increment", start, err) }()

	if err := ctx.Err(); err != nil {
		return Counter{}, fmt.Errorf("context error before redis increment: %w", err)
	}

	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.key(key)}, ms).Int64Slice()
	if err != nil {
		return Counter{}, util.NewStoreError("increment", key, err)
	}
	return counterFromReply(res)
}

// SlidingWindowAdd implements Store.
func (s *RedisStore) SlidingWindowAdd(
	ctx context.Context,
	key string,
	window time.Duration,
	now time.Time,
	member string,
) (c Counter, err error) {
	start := time.Now()
	defer func() { s.observe("sliding_add", start, err) }()

	if err := ctx.Err(); err != nil {
		return Counter{}, fmt.Errorf("context error before redis sliding add: %w", err)
	}

	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(), ms, member).Int64Slice()
	if err != nil {
		return Counter{}, util.NewStoreError("sliding_add", key, err)
	}
	return counterFromReply(res)
}

func counterFromReply(res []int64) (Counter, error) {
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return Counter{Count: res[0], TTL: ttl}, nil
}

// TTL implements Store.
func (s *RedisStore) TTL(ctx context.Context, key string) (d time.Duration, err error) {
	start := time.Now()
	defer func() { s.observe("ttl", start, err) }()

	d, err = s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, util.NewStoreError("ttl", key, err)
	}
	// -1 and -2 report a missing expiry or key
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// PushAndTrim implements Store.
func (s *RedisStore) PushAndTrim(ctx context.Context, key string, value []byte, maxLen int64) (err error) {
	start := time.Now()
	defer func() { s.observe("push", start, err) }()

	if maxLen < 1 {
		maxLen = 1
	}
	k := s.key(key)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, k, value)
		p.LTrim(ctx, k, 0, maxLen-1)
		return nil
	})
	if err != nil {
		return util.NewStoreError("push", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return util.NewStoreError("delete", key, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return util.NewStoreError("ping", "", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
