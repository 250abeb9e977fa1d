// Package cache implements cache-aside reads in front of the key-value store.
//
// A call is described by a Policy (where and how long to cache) and Args
// (what the call depends on). The facade derives a key, serves a stored
// value when present and otherwise runs the producer and stores its result.
// Store trouble never fails a call: the producer result is always returned.
package cache

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/pkg/codec"
	"github.com/seasbee/go-logx"
)

// maxErrorTTL caps how long a producer failure stays cached.
const maxErrorTTL = 60 * time.Second

// Store is the part of the key-value client the facade needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
}

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// Facade is safe for concurrent use.
type Facade struct {
	store      Store
	keys       *KeyDeriver
	local      *LocalTier
	obs        *observability.Manager
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Facade.
type Option func(*Facade)

// WithLocalTier puts an in-process tier in front of the store.
func WithLocalTier(l *LocalTier) Option {
	return func(f *Facade) { f.local = l }
}

// WithObservability attaches metrics, tracing and logging.
func WithObservability(m *observability.Manager) Option {
	return func(f *Facade) { f.obs = m }
}

// WithExcludedArgs replaces the named arguments ignored by key derivation.
func WithExcludedArgs(names ...string) Option {
	return func(f *Facade) { f.keys = NewKeyDeriver(names...) }
}

// WithDefaultTTL sets the TTL used by policies that leave it zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(f *Facade) { f.defaultTTL = ttl }
}

// New creates a facade over store.
func New(store Store, opts ...Option) *Facade {
	f := &Facade{
		store:      store,
		keys:       NewKeyDeriver(DefaultExcludedArgs...),
		defaultTTL: DefaultTiers().Default,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Local returns the in-process tier, nil when disabled.
func (f *Facade) Local() *LocalTier {
	return f.local
}

// Key returns the store key a call would use.
func (f *Facade) Key(p Policy, args Args) string {
	return f.keys.Derive(p, args)
}

// Do runs produce through the cache. On a hit the decoded value is
// returned and produce is not called; a hit on a cached failure returns a
// *CachedError. A produced value is returned in the same decoded form a
// later hit yields (see codec.Normalize), so callers see one shape.
func (f *Facade) Do(ctx context.Context, p Policy, args Args, produce Producer) (any, error) {
	return f.run(ctx, p, args, produce, codec.Decode, true)
}

// Load is the typed form of Facade.Do. Hits are decoded into T.
func Load[T any](ctx context.Context, f *Facade, p Policy, args Args, produce func(ctx context.Context) (T, error)) (T, error) {
	decode := func(wire []byte) (any, error) {
		var out T
		if err := codec.DecodeInto(wire, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	v, err := f.run(ctx, p, args, func(ctx context.Context) (any, error) {
		return produce(ctx)
	}, decode, false)
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// run is the shared read-through path. With normalize set, a produced
// value is returned in its decoded wire form.
func (f *Facade) run(ctx context.Context, p Policy, args Args, produce Producer, decode func([]byte) (any, error), normalize bool) (any, error) {
	key := f.keys.Derive(p, args)
	ns := NamespaceOf(p.Prefix)

	ctx, span := f.obs.TraceOperation(ctx, "cache", "do", key)
	defer span.End()

	if wire, ok := f.lookup(ctx, key, p.TTL); ok {
		if cached, negative := f.negativeEntry(key, wire); negative {
			f.obs.RecordCacheLookup(ns, "negative_hit")
			logx.Debug("Cached failure hit", f.obs.KeyField(key))
			return nil, cached
		}
		v, err := decode(wire)
		if err == nil {
			f.obs.RecordCacheLookup(ns, "hit")
			logx.Debug("Cache hit", f.obs.KeyField(key))
			return v, nil
		}
		f.obs.RecordCacheLookup(ns, "error")
		logx.Warn("Discarding undecodable cache entry",
			f.obs.KeyField(key),
			logx.ErrorField(err))
	} else {
		f.obs.RecordCacheLookup(ns, "miss")
		logx.Debug("Cache miss", f.obs.KeyField(key))
	}

	result, err := produce(ctx)
	if err != nil {
		f.obs.RecordProducer(ns, "error")
		if p.CacheErrors {
			f.storeFailure(ctx, key, f.ttl(p), err)
		}
		return nil, err
	}
	f.obs.RecordProducer(ns, "success")

	if isNil(result) && !p.CacheNull {
		return result, nil
	}
	wire, err := f.put(ctx, key, result, f.ttl(p))
	if err != nil {
		logx.Warn("Failed to store value in cache",
			f.obs.KeyField(key),
			logx.ErrorField(err))
	}
	if normalize && wire != nil {
		// a miss returns what a later hit on the same entry would
		if v, err := decode(wire); err == nil {
			return v, nil
		}
	}
	return result, nil
}

func (f *Facade) ttl(p Policy) time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	return f.defaultTTL
}

func (f *Facade) lookup(ctx context.Context, key string, ttl time.Duration) ([]byte, bool) {
	if wire, ok := f.local.Get(key); ok {
		return wire, true
	}
	wire, ok := f.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	f.local.Set(key, wire, ttl)
	return wire, true
}

// put encodes and stores value. The encoded form is returned even when
// the write fails so the caller can still normalize.
func (f *Facade) put(ctx context.Context, key string, value any, ttl time.Duration) ([]byte, error) {
	val, err := codec.Encode(value)
	if err != nil {
		return nil, NewCacheError("set", key, "encode failed", err)
	}
	wire := val.Bytes()
	if !f.store.Set(ctx, key, wire, ttl) {
		return wire, NewCacheError("set", key, "store rejected write", ErrNotStored)
	}
	f.local.Set(key, wire, ttl)
	return wire, nil
}

// failureEntry is the stored shape of a cached producer failure.
type failureEntry struct {
	Error    *string   `json:"__cache_error__"`
	CachedAt time.Time `json:"cached_at"`
}

func (f *Facade) storeFailure(ctx context.Context, key string, ttl time.Duration, cause error) {
	ttl = min(ttl, maxErrorTTL)
	msg := cause.Error()
	val, err := codec.EncodeJSON(failureEntry{Error: &msg, CachedAt: f.now().UTC()})
	if err != nil {
		logx.Warn("Failed to encode cached failure", f.obs.KeyField(key), logx.ErrorField(err))
		return
	}
	if f.store.Set(ctx, key, val.Bytes(), ttl) {
		logx.Debug("Cached producer failure",
			f.obs.KeyField(key),
			logx.String("ttl", ttl.String()))
	}
}

func (f *Facade) negativeEntry(key string, wire []byte) (*CachedError, bool) {
	val, ok := codec.Parse(wire)
	if !ok || val.Kind() != codec.KindJSON {
		return nil, false
	}
	payload := val.Payload()
	if len(payload) == 0 || payload[0] != '{' {
		return nil, false
	}
	var entry failureEntry
	if err := json.Unmarshal(payload, &entry); err != nil || entry.Error == nil {
		return nil, false
	}
	return &CachedError{Key: key, Message: *entry.Error, CachedAt: entry.CachedAt}, true
}

// Fetch reads and decodes one key directly.
func (f *Facade) Fetch(ctx context.Context, key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	wire, ok := f.lookup(ctx, key, 0)
	if !ok {
		return nil, false
	}
	v, err := codec.Decode(wire)
	if err != nil {
		logx.Warn("Failed to decode cached value", f.obs.KeyField(key), logx.ErrorField(err))
		return nil, false
	}
	return v, true
}

// Put encodes and stores value under an explicit key. A ttl of zero uses
// the facade default.
func (f *Facade) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	_, err := f.put(ctx, key, value, ttl)
	return err
}

// Forget removes one key from the store and the local tier.
func (f *Facade) Forget(ctx context.Context, key string) bool {
	f.local.Delete(key)
	return f.store.Delete(ctx, key)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
