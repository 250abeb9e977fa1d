package kvstore

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.URL = fmt.Sprintf("redis://%s/0", mr.Addr())
	cfg.ScanCount = 10

	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNew_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "redis://127.0.0.1:1/0"
	cfg.DialTimeout = 100 * time.Millisecond

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNew_InvalidURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://not-redis"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	require.True(t, c.Set(ctx, "k", []byte("str:v"), time.Minute))
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("str:v"), val)
	assert.True(t, c.Exists(ctx, "k"))

	assert.True(t, c.Delete(ctx, "k"))
	assert.False(t, c.Delete(ctx, "k"))
	assert.False(t, c.Exists(ctx, "k"))
}

func TestTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "expiring", []byte("x"), 90*time.Second))
	require.True(t, c.Set(ctx, "forever", []byte("x"), 0))

	assert.Equal(t, int64(90), c.TTL(ctx, "expiring"))
	assert.Equal(t, int64(-1), c.TTL(ctx, "forever"))
	assert.Equal(t, int64(-2), c.TTL(ctx, "absent"))

	mr.FastForward(91 * time.Second)
	_, ok := c.Get(ctx, "expiring")
	assert.False(t, ok)

	require.True(t, c.Expire(ctx, "forever", 10*time.Second))
	assert.Equal(t, int64(10), c.TTL(ctx, "forever"))
}

func TestKeys_BoundedScan(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 35; i++ {
		require.True(t, c.Set(ctx, fmt.Sprintf("api_cache:papers:%d", i), []byte("x"), time.Minute))
	}
	require.True(t, c.Set(ctx, "api_cache:tweets:1", []byte("x"), time.Minute))

	all := c.Keys(ctx, "api_cache:papers:*", 0)
	assert.Len(t, all, 35)

	limited := c.Keys(ctx, "api_cache:papers:*", 7)
	assert.Len(t, limited, 7)

	tweets := c.Keys(ctx, "api_cache:tweets:*", 100)
	assert.Equal(t, []string{"api_cache:tweets:1"}, tweets)
}

func TestDeleteMany_CountsConfirmed(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	c.config.DeleteBatchSize = 2

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, c.Set(ctx, k, []byte("x"), time.Minute))
	}

	assert.Equal(t, 3, c.DeleteMany(ctx, "a", "b", "c", "never-existed"))
	assert.Equal(t, 0, c.DeleteMany(ctx))
}

func TestHashOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.HSet(ctx, "h", "f1", []byte("v1")))
	require.True(t, c.HSet(ctx, "h", "f2", []byte("v2")))

	val, ok := c.HGet(ctx, "h", "f1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	_, ok = c.HGet(ctx, "h", "nope")
	assert.False(t, ok)

	all := c.HGetAll(ctx, "h")
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	assert.Equal(t, []string{"f1", "f2"}, fields)

	assert.Equal(t, 1, c.HDel(ctx, "h", "f1", "nope"))
	assert.Empty(t, c.HGetAll(ctx, "absent"))
}

func TestIncrBy(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, ok := c.IncrBy(ctx, "counter", 3)
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	n, ok = c.IncrBy(ctx, "counter", -1)
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
}

func TestFailuresAreReportedAsAbsent(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "k", []byte("x"), time.Minute))

	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, c.Set(ctx, "k", []byte("y"), time.Minute))
	assert.False(t, c.Exists(ctx, "k"))
	assert.Equal(t, int64(-2), c.TTL(ctx, "k"))
	assert.Empty(t, c.Keys(ctx, "*", 10))
	assert.Empty(t, c.HGetAll(ctx, "h"))
	assert.Error(t, c.Ping(ctx))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < int(c.config.Breaker.FailureThreshold); i++ {
		c.Get(ctx, "k")
	}

	err := c.Ping(ctx)
	assert.True(t, IsUnavailable(err))
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("k", "str:v"))
	require.NotNil(t, c.breaker)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()

	for i := 0; i < 2*int(c.config.Breaker.FailureThreshold); i++ {
		_, ok := c.Get(cancelled, "k")
		assert.False(t, ok)
		_, ok = c.Get(expired, "k")
		assert.False(t, ok)
	}

	val, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, []byte("str:v"), val)
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
}

func TestBreakerCountsCallerAbortsAsSuccess(t *testing.T) {
	c, _ := newTestClient(t)

	for i := 0; i < 2*int(c.config.Breaker.FailureThreshold); i++ {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, &callerAbortError{err: context.DeadlineExceeded}
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())
	assert.Zero(t, c.breaker.Counts().ConsecutiveFailures)
}

func TestClosedClient(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrStoreClosed)
}

func TestPoolStats(t *testing.T) {
	c, _ := newTestClient(t)
	require.True(t, c.Set(context.Background(), "k", []byte("x"), time.Minute))

	stats := c.PoolStats()
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))
}
