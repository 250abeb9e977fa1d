// Package kvstore wraps a Redis connection pool with the error policy the
// cache and session layers rely on: transient failures are logged and
// reported as absent, false or empty rather than returned to callers.
package kvstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/seasbee/go-logx"
	"github.com/sony/gobreaker"
)

// Client is the single shared handle to the key-value store.
// It is safe for concurrent use.
type Client struct {
	rdb     *redis.Client
	config  Config
	retry   retry.Policy
	breaker *gobreaker.CircuitBreaker
	obs     *observability.Manager
	closed  atomic.Bool
}

// New parses the URL, opens the pool and pings the server. A ping failure
// is returned so the caller can abort startup.
func New(ctx context.Context, config Config, obs *observability.Manager) (*Client, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}
	// retries happen in Client.run so that only timeouts are retried
	opts.MaxRetries = -1
	if opts.TLSConfig != nil && config.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	c := &Client{
		rdb:    rdb,
		config: config,
		retry:  retry.TimeoutPolicy(),
		obs:    obs,
	}
	if config.Breaker.Enabled {
		c.breaker = c.newBreaker()
	}

	logx.Info("Connected to key-value store",
		logx.String("addr", opts.Addr),
		logx.Int("db", opts.DB),
		logx.Int("pool_size", config.PoolSize),
		logx.Bool("tls", opts.TLSConfig != nil),
		logx.Bool("circuit_breaker", config.Breaker.Enabled))

	return c, nil
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker {
	threshold := c.config.Breaker.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kvstore",
		MaxRequests: c.config.Breaker.HalfOpenRequests,
		Timeout:     c.config.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logx.Warn("Circuit breaker state changed",
				logx.String("name", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
			c.obs.RecordCircuitBreakerState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			var aborted *callerAbortError
			return err == nil || errors.Is(err, redis.Nil) ||
				errors.Is(err, context.Canceled) || errors.As(err, &aborted)
		},
	})
}

// callerAbortError marks a failure caused by the caller's own context
// ending, which says nothing about the health of the store.
type callerAbortError struct {
	err error
}

func (e *callerAbortError) Error() string { return e.err.Error() }
func (e *callerAbortError) Unwrap() error { return e.err }

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// run executes one logical store operation: breaker, then retry on timeout,
// with a fresh per-attempt deadline. redis.Nil is passed through untouched.
func run[T any](ctx context.Context, c *Client, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c.closed.Load() {
		c.report(op, key, 0, ErrStoreClosed)
		return zero, ErrStoreClosed
	}

	attempt := func(ctx context.Context) (T, error) {
		if c.config.OperationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.OperationTimeout)
			defer cancel()
		}
		return fn(ctx)
	}
	call := func() (T, error) {
		out, err := retry.DoWithResult(ctx, c.retry, attempt)
		if err != nil && ctx.Err() != nil {
			return out, &callerAbortError{err: err}
		}
		return out, err
	}

	if err := ctx.Err(); err != nil {
		c.report(op, key, 0, err)
		return zero, err
	}

	start := time.Now()
	var (
		result T
		err    error
	)
	if c.breaker == nil {
		result, err = call()
	} else {
		var out interface{}
		out, err = c.breaker.Execute(func() (interface{}, error) {
			return call()
		})
		if v, ok := out.(T); ok {
			result = v
		}
	}

	c.report(op, key, time.Since(start), err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (c *Client) report(op, key string, duration time.Duration, err error) {
	switch {
	case err == nil:
		c.obs.RecordStoreOperation(op, "success", duration)
	case errors.Is(err, redis.Nil):
		c.obs.RecordStoreOperation(op, "miss", duration)
	default:
		c.obs.RecordStoreOperation(op, "error", duration)
		c.obs.LogOperation("error", "kvstore", op, key, duration, err)
	}
}

// Get returns the stored bytes and whether the key was present.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := run(ctx, c, "get", key, func(ctx context.Context) ([]byte, error) {
		return c.rdb.Get(ctx, key).Bytes()
	})
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores value under key. A ttl of zero or less means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl < 0 {
		ttl = 0
	}
	_, err := run(ctx, c, "set", key, func(ctx context.Context) (string, error) {
		return c.rdb.Set(ctx, key, value, ttl).Result()
	})
	return err == nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(ctx context.Context, key string) bool {
	n, err := run(ctx, c, "del", key, func(ctx context.Context) (int64, error) {
		return c.rdb.Del(ctx, key).Result()
	})
	return err == nil && n > 0
}

// DeleteMany removes keys in batches and returns how many the server
// confirmed deleting. Failed batches contribute nothing.
func (c *Client) DeleteMany(ctx context.Context, keys ...string) int {
	deleted := 0
	for start := 0; start < len(keys); start += c.config.DeleteBatchSize {
		end := min(start+c.config.DeleteBatchSize, len(keys))
		batch := keys[start:end]
		n, err := run(ctx, c, "del_many", batch[0], func(ctx context.Context) (int64, error) {
			return c.rdb.Del(ctx, batch...).Result()
		})
		if err == nil {
			deleted += int(n)
		}
	}
	return deleted
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) bool {
	n, err := run(ctx, c, "exists", key, func(ctx context.Context) (int64, error) {
		return c.rdb.Exists(ctx, key).Result()
	})
	return err == nil && n > 0
}

// TTL returns the remaining lifetime in whole seconds, -1 when the key has
// no expiry and -2 when it is absent. Failures report -2.
func (c *Client) TTL(ctx context.Context, key string) int64 {
	d, err := run(ctx, c, "ttl", key, func(ctx context.Context) (time.Duration, error) {
		return c.rdb.TTL(ctx, key).Result()
	})
	if err != nil {
		return -2
	}
	switch d {
	case -1, -2:
		return int64(d)
	}
	return int64(d / time.Second)
}

// Expire sets a new ttl on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := run(ctx, c, "expire", key, func(ctx context.Context) (bool, error) {
		return c.rdb.Expire(ctx, key, ttl).Result()
	})
	return err == nil && ok
}

// IncrBy atomically adds delta to the integer at key.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, bool) {
	n, err := run(ctx, c, "incrby", key, func(ctx context.Context) (int64, error) {
		return c.rdb.IncrBy(ctx, key, delta).Result()
	})
	return n, err == nil
}

type scanPage struct {
	keys   []string
	cursor uint64
}

// Keys returns up to limit keys matching the glob pattern. It walks the
// keyspace with SCAN so the server is never blocked. A limit of zero or
// less, or above MaxScanKeys, is clamped to MaxScanKeys. A failure midway
// returns what was collected so far.
func (c *Client) Keys(ctx context.Context, pattern string, limit int) []string {
	if limit <= 0 || limit > c.config.MaxScanKeys {
		limit = c.config.MaxScanKeys
	}

	seen := make(map[string]struct{})
	keys := make([]string, 0)
	var cursor uint64
	for {
		page, err := run(ctx, c, "scan", pattern, func(ctx context.Context) (scanPage, error) {
			batch, next, err := c.rdb.Scan(ctx, cursor, pattern, c.config.ScanCount).Result()
			return scanPage{keys: batch, cursor: next}, err
		})
		if err != nil {
			return keys
		}
		for _, k := range page.keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
			if len(keys) >= limit {
				return keys
			}
		}
		cursor = page.cursor
		if cursor == 0 {
			return keys
		}
	}
}

// ScanLimit is the most keys a single Keys call returns.
func (c *Client) ScanLimit() int {
	return c.config.MaxScanKeys
}

// HSet writes one hash field.
func (c *Client) HSet(ctx context.Context, key, field string, value []byte) bool {
	_, err := run(ctx, c, "hset", key, func(ctx context.Context) (int64, error) {
		return c.rdb.HSet(ctx, key, field, value).Result()
	})
	return err == nil
}

// HGet reads one hash field.
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool) {
	val, err := run(ctx, c, "hget", key, func(ctx context.Context) ([]byte, error) {
		return c.rdb.HGet(ctx, key, field).Bytes()
	})
	if err != nil {
		return nil, false
	}
	return val, true
}

// HGetAll returns every field of a hash; absent or failed reads are empty.
func (c *Client) HGetAll(ctx context.Context, key string) map[string][]byte {
	raw, err := run(ctx, c, "hgetall", key, func(ctx context.Context) (map[string]string, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	out := make(map[string][]byte, len(raw))
	if err != nil {
		return out
	}
	for field, val := range raw {
		out[field] = []byte(val)
	}
	return out
}

// HDel removes hash fields and returns how many were removed.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) int {
	if len(fields) == 0 {
		return 0
	}
	n, err := run(ctx, c, "hdel", key, func(ctx context.Context) (int64, error) {
		return c.rdb.HDel(ctx, key, fields...).Result()
	})
	if err != nil {
		return 0
	}
	return int(n)
}

// Info returns the raw INFO text. Unlike the data operations it returns
// the error so introspection can report why statistics are missing.
func (c *Client) Info(ctx context.Context) (string, error) {
	return run(ctx, c, "info", "", func(ctx context.Context) (string, error) {
		return c.rdb.Info(ctx).Result()
	})
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := run(ctx, c, "ping", "", func(ctx context.Context) (string, error) {
		return c.rdb.Ping(ctx).Result()
	})
	return err
}

// PoolStats reports connection pool counters.
func (c *Client) PoolStats() PoolStats {
	s := c.rdb.PoolStats()
	return PoolStats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
		StaleConns: s.StaleConns,
	}
}

// PoolStats mirrors the connection pool counters.
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// Close releases the pool. Later calls fail with ErrStoreClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	logx.Info("Closing key-value store connection")
	return c.rdb.Close()
}
