package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dlmonitor/dlcache/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paper struct {
	ID    int64  `json:"id" msgpack:"id"`
	Title string `json:"title" msgpack:"title"`
}

func newTestFacade(t *testing.T, opts ...Option) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := kvstore.DefaultConfig()
	cfg.URL = fmt.Sprintf("redis://%s/0", mr.Addr())
	cfg.Breaker.Enabled = false
	client, err := kvstore.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client, opts...), mr
}

func counting(calls *int32, value any, err error) Producer {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, err
	}
}

func TestKeyDerivation_Deterministic(t *testing.T) {
	d := NewKeyDeriver(DefaultExcludedArgs...)
	p := Policy{Prefix: "api_cache:papers:"}

	a := Args{Positional: []any{1, "x"}, Named: map[string]any{"limit": 20, "sort": "date"}}
	b := Args{Positional: []any{1, "x"}, Named: map[string]any{"sort": "date", "limit": 20}}

	assert.Equal(t, d.Derive(p, a), d.Derive(p, b))
	assert.True(t, strings.HasPrefix(d.Derive(p, a), "api_cache:papers:"))

	c := a.With("limit", 21)
	assert.NotEqual(t, d.Derive(p, a), d.Derive(p, c))

	assert.Equal(t, d.Derive(p, NewArgs()), d.Derive(p, Args{Positional: []any{}}))
}

func TestKeyDerivation_ExcludesContextArgs(t *testing.T) {
	d := NewKeyDeriver(DefaultExcludedArgs...)
	p := Policy{Prefix: "api_cache:"}

	base := NewArgs(5)
	withSession := base.With("db", &struct{ conn int }{1}).With("current_user", "someone")

	assert.Equal(t, d.Derive(p, base), d.Derive(p, withSession))
}

func TestKeyDerivation_VaryOnCaller(t *testing.T) {
	d := NewKeyDeriver()
	p := Policy{Prefix: PrefixUser, VaryOnCaller: true}

	k7 := d.Derive(p, NewArgs("profile").ForCaller("7"))
	k8 := d.Derive(p, NewArgs("profile").ForCaller("8"))

	assert.NotEqual(t, k7, k8)
	assert.True(t, strings.HasPrefix(k7, "user_cache:user:7:"))

	shared := Policy{Prefix: PrefixUser}
	assert.Equal(t, d.Derive(shared, NewArgs("profile").ForCaller("7")), d.Derive(shared, NewArgs("profile").ForCaller("8")))
}

func TestKeyDerivation_UnencodableArgs(t *testing.T) {
	d := NewKeyDeriver()
	p := Policy{Prefix: "api_cache:"}
	ch := make(chan int)

	assert.Equal(t, d.Derive(p, NewArgs(ch)), d.Derive(p, NewArgs(ch)))
}

func TestDo_CacheAsideIdempotence(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	var calls int32
	value := map[string]any{"id": 1.0, "title": "Attention Is All You Need"}

	first, err := f.Do(ctx, Policy{Prefix: "api_cache:papers:", TTL: time.Minute}, NewArgs(1), counting(&calls, value, nil))
	require.NoError(t, err)
	second, err := f.Do(ctx, Policy{Prefix: "api_cache:papers:", TTL: time.Minute}, NewArgs(1), counting(&calls, value, nil))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first, second)
}

func TestDo_HitMatchesMissForGoValues(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"map with int", map[string]any{"id": 1}, map[string]any{"id": 1.0}},
		{"struct", paper{ID: 1, Title: "t"}, map[string]any{"id": 1.0, "title": "t"}},
		{"struct pointer", &paper{ID: 2, Title: "u"}, map[string]any{"id": 2.0, "title": "u"}},
		{"int", 42, int64(42)},
		{"int slice", []int{1, 2}, []any{1.0, 2.0}},
		{"empty map", map[string]any{}, map[string]any{}},
		{"escaped text", "say \"hi\"\n\\", "say \"hi\"\n\\"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFacade(t)
			ctx := context.Background()
			p := Policy{Prefix: "api_cache:", TTL: time.Minute}
			var calls int32

			miss, err := f.Do(ctx, p, NewArgs(tt.name), counting(&calls, tt.value, nil))
			require.NoError(t, err)
			hit, err := f.Do(ctx, p, NewArgs(tt.name), counting(&calls, tt.value, nil))
			require.NoError(t, err)

			assert.Equal(t, int32(1), calls)
			assert.Equal(t, tt.want, miss)
			assert.Equal(t, miss, hit)
		})
	}
}

func TestDo_TTLRespected(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()
	p := Policy{Prefix: "api_cache:papers:", TTL: 60 * time.Second}
	var calls int32

	_, err := f.Do(ctx, p, NewArgs(1), counting(&calls, "v1", nil))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, mr.TTL(f.Key(p, NewArgs(1))))

	mr.FastForward(59 * time.Second)
	_, err = f.Do(ctx, p, NewArgs(1), counting(&calls, "v1", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	mr.FastForward(2 * time.Second)
	_, err = f.Do(ctx, p, NewArgs(1), counting(&calls, "v1", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
}

func TestDo_DefaultTTLWhenPolicyLeavesItZero(t *testing.T) {
	f, mr := newTestFacade(t, WithDefaultTTL(5*time.Minute))
	p := Policy{Prefix: "api_cache:"}

	_, err := f.Do(context.Background(), p, NewArgs(), counting(new(int32), "v", nil))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, mr.TTL(f.Key(p, NewArgs())))
}

func TestDo_NilResultNotCachedUnlessCacheNull(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	var calls int32

	p := Policy{Prefix: "api_cache:", TTL: time.Minute}
	for i := 0; i < 2; i++ {
		v, err := f.Do(ctx, p, NewArgs("missing"), counting(&calls, nil, nil))
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, int32(2), calls)

	calls = 0
	p.CacheNull = true
	for i := 0; i < 2; i++ {
		v, err := f.Do(ctx, p, NewArgs("missing"), counting(&calls, nil, nil))
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, int32(1), calls)
}

func TestDo_ProducerErrorPropagatesWithoutCaching(t *testing.T) {
	f, mr := newTestFacade(t)
	boom := errors.New("database unavailable")
	var calls int32
	p := Policy{Prefix: "api_cache:", TTL: time.Minute}

	_, err := f.Do(context.Background(), p, NewArgs(), counting(&calls, nil, boom))
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(f.Key(p, NewArgs())))

	_, err = f.Do(context.Background(), p, NewArgs(), counting(&calls, nil, boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls)
}

func TestDo_NegativeCache(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()
	p := Policy{Prefix: "api_cache:papers:", TTL: 300 * time.Second, CacheErrors: true}
	boom := errors.New("upstream timeout")
	var calls int32

	_, err := f.Do(ctx, p, NewArgs(9), counting(&calls, nil, boom))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 60*time.Second, mr.TTL(f.Key(p, NewArgs(9))))

	_, err = f.Do(ctx, p, NewArgs(9), counting(&calls, "never", nil))
	require.Error(t, err)
	assert.True(t, IsCachedError(err))
	assert.Contains(t, err.Error(), "upstream timeout")
	assert.Equal(t, int32(1), calls)

	mr.FastForward(61 * time.Second)
	v, err := f.Do(ctx, p, NewArgs(9), counting(&calls, "recovered", nil))
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, int32(2), calls)
}

func TestDo_ShortTTLBoundsNegativeEntry(t *testing.T) {
	f, mr := newTestFacade(t)
	p := Policy{Prefix: "api_cache:", TTL: 10 * time.Second, CacheErrors: true}

	_, _ = f.Do(context.Background(), p, NewArgs(), counting(new(int32), nil, errors.New("x")))
	assert.Equal(t, 10*time.Second, mr.TTL(f.Key(p, NewArgs())))
}

func TestDo_StoreDownStillReturnsProducerResult(t *testing.T) {
	f, mr := newTestFacade(t)
	mr.Close()
	var calls int32

	v, err := f.Do(context.Background(), Policy{Prefix: "api_cache:", TTL: time.Minute}, NewArgs(), counting(&calls, "fresh", nil))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), calls)
}

func TestDo_UndecodableEntryIsAMiss(t *testing.T) {
	f, mr := newTestFacade(t)
	p := Policy{Prefix: "api_cache:", TTL: time.Minute}
	require.NoError(t, mr.Set(f.Key(p, NewArgs()), "json:{corrupt"))
	var calls int32

	v, err := f.Do(context.Background(), p, NewArgs(), counting(&calls, "rebuilt", nil))
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", v)
	assert.Equal(t, int32(1), calls)
}

func TestLoad_Typed(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	tiers := DefaultTiers()
	var calls int32

	produce := func(ctx context.Context) (paper, error) {
		atomic.AddInt32(&calls, 1)
		return paper{ID: 3, Title: "BERT"}, nil
	}

	first, err := Load(ctx, f, tiers.StaticData().WithPrefix("api_cache:papers:"), NewArgs(3), produce)
	require.NoError(t, err)
	second, err := Load(ctx, f, tiers.StaticData().WithPrefix("api_cache:papers:"), NewArgs(3), produce)
	require.NoError(t, err)

	assert.Equal(t, paper{ID: 3, Title: "BERT"}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls)
}

func TestLoad_CachedErrorReturnsZero(t *testing.T) {
	f, _ := newTestFacade(t)
	p := Policy{Prefix: "api_cache:", TTL: time.Minute, CacheErrors: true}
	fail := func(ctx context.Context) ([]paper, error) { return nil, errors.New("no") }

	_, err := Load(context.Background(), f, p, NewArgs(), fail)
	require.Error(t, err)

	out, err := Load(context.Background(), f, p, NewArgs(), fail)
	assert.True(t, IsCachedError(err))
	assert.Nil(t, out)
}

func TestLocalTierServesWithoutStore(t *testing.T) {
	cfg := DefaultLocalConfig()
	cfg.Enabled = true
	local, err := NewLocalTier(cfg)
	require.NoError(t, err)
	t.Cleanup(local.Close)

	f, mr := newTestFacade(t, WithLocalTier(local))
	p := Policy{Prefix: "api_cache:", TTL: time.Minute}
	var calls int32

	_, err = f.Do(context.Background(), p, NewArgs(), counting(&calls, "v", nil))
	require.NoError(t, err)
	local.Wait()

	mr.Del(f.Key(p, NewArgs()))
	v, err := f.Do(context.Background(), p, NewArgs(), counting(&calls, "other", nil))
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, int32(1), calls)

	local.Clear()
	v, err = f.Do(context.Background(), p, NewArgs(), counting(&calls, "other", nil))
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestNewLocalTierDisabled(t *testing.T) {
	local, err := NewLocalTier(DefaultLocalConfig())
	require.NoError(t, err)
	assert.Nil(t, local)

	assert.NotPanics(t, func() {
		local.Set("k", []byte("v"), time.Second)
		local.Clear()
	})
}

func TestPutFetchForget(t *testing.T) {
	f, mr := newTestFacade(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.Put(ctx, "", "v", 0), ErrInvalidKey)

	require.NoError(t, f.Put(ctx, "api_cache:manual", map[string]any{"a": "b"}, 0))
	assert.Equal(t, DefaultTiers().Default, mr.TTL("api_cache:manual"))

	v, ok := f.Fetch(ctx, "api_cache:manual")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": "b"}, v)

	assert.True(t, f.Forget(ctx, "api_cache:manual"))
	_, ok = f.Fetch(ctx, "api_cache:manual")
	assert.False(t, ok)
}

func TestPresets(t *testing.T) {
	tiers := DefaultTiers()

	user := tiers.UserData()
	assert.Equal(t, PrefixUser, user.Prefix)
	assert.Equal(t, 900*time.Second, user.TTL)
	assert.True(t, user.VaryOnCaller)

	search := tiers.SearchResults()
	assert.Equal(t, PrefixSearch, search.Prefix)
	assert.Equal(t, 60*time.Second, search.TTL)
	assert.True(t, search.CacheNull)

	static := tiers.StaticData()
	assert.Equal(t, PrefixAPI, static.Prefix)
	assert.Equal(t, time.Hour, static.TTL)
}

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, "api_cache", NamespaceOf("api_cache:papers:abc"))
	assert.Equal(t, "plain", NamespaceOf("plain"))
}
