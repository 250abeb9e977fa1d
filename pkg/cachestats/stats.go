// Package cachestats reports on the state of the cache: store statistics,
// key listings and a write/read/delete health check.
package cachestats

import (
	"context"
	"time"

	"github.com/dlmonitor/dlcache/pkg/cache"
	"github.com/dlmonitor/dlcache/pkg/codec"
	"github.com/dlmonitor/dlcache/pkg/kvstore"
	"github.com/seasbee/go-logx"
)

// HealthCheckKey is written and removed by HealthCheck.
const HealthCheckKey = "health_check_cache"

// Store is the part of the key-value client introspection needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	TTL(ctx context.Context, key string) int64
	Keys(ctx context.Context, pattern string, limit int) []string
	Info(ctx context.Context) (string, error)
	PoolStats() kvstore.PoolStats
}

// Stats is a point-in-time summary of the store. When the store cannot be
// reached only Error and Timestamp are set.
type Stats struct {
	CacheCounts   map[string]int `json:"cache_counts,omitempty"`
	Memory        Memory         `json:"memory_usage"`
	Connections   Connections    `json:"connection_stats"`
	Keys          KeyStats       `json:"key_stats"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StoreVersion  string         `json:"redis_version,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Error         string         `json:"error,omitempty"`
}

// Memory is the store's memory usage.
type Memory struct {
	UsedMemory      int64  `json:"used_memory"`
	UsedMemoryHuman string `json:"used_memory_human"`
	PeakMemory      int64  `json:"used_memory_peak"`
	PeakMemoryHuman string `json:"used_memory_peak_human"`
}

// Connections combines server client counts with this process's pool.
type Connections struct {
	ConnectedClients         int64             `json:"connected_clients"`
	BlockedClients           int64             `json:"blocked_clients"`
	TotalConnectionsReceived int64             `json:"total_connections_received"`
	Pool                     kvstore.PoolStats `json:"pool"`
}

// KeyStats are keyspace counters.
type KeyStats struct {
	TotalKeys   int64 `json:"total_keys"`
	ExpiredKeys int64 `json:"expired_keys"`
	EvictedKeys int64 `json:"evicted_keys"`
}

// KeyInfo describes one listed key. ExpiresAt is nil for keys without expiry.
type KeyInfo struct {
	Key       string     `json:"key"`
	TTL       int64      `json:"ttl"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// KeyDetail is a decoded single-key view.
type KeyDetail struct {
	Key       string     `json:"key"`
	Value     any        `json:"value"`
	TTL       int64      `json:"ttl"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Health is the outcome of the set/get/delete health check.
type Health struct {
	Status     string          `json:"status"`
	Operations map[string]bool `json:"operations"`
	Timestamp  time.Time       `json:"timestamp"`
	Error      string          `json:"error,omitempty"`
}

// Inspector computes statistics over a store.
type Inspector struct {
	store      Store
	namespaces []string
	countLimit int
	now        func() time.Time
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithCountLimit bounds the per-namespace key count scan.
func WithCountLimit(n int) Option {
	return func(in *Inspector) {
		if n > 0 {
			in.countLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(in *Inspector) { in.now = now }
}

// New creates an Inspector.
func New(store Store, opts ...Option) *Inspector {
	in := &Inspector{
		store:      store,
		namespaces: cache.Namespaces(),
		countLimit: 10000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Stats gathers INFO fields and per-namespace key counts. Counts are capped
// at the configured count limit.
func (in *Inspector) Stats(ctx context.Context) Stats {
	now := in.now().UTC()

	text, err := in.store.Info(ctx)
	if err != nil {
		logx.Error("Failed to read store statistics", logx.ErrorField(err))
		return Stats{Timestamp: now, Error: err.Error()}
	}
	fields := parseInfo(text)

	counts := make(map[string]int, len(in.namespaces))
	for _, ns := range in.namespaces {
		counts[cache.NamespaceOf(ns)] = len(in.store.Keys(ctx, ns+"*", in.countLimit))
	}

	return Stats{
		CacheCounts: counts,
		Memory: Memory{
			UsedMemory:      infoInt(fields, "used_memory"),
			UsedMemoryHuman: fields["used_memory_human"],
			PeakMemory:      infoInt(fields, "used_memory_peak"),
			PeakMemoryHuman: fields["used_memory_peak_human"],
		},
		Connections: Connections{
			ConnectedClients:         infoInt(fields, "connected_clients"),
			BlockedClients:           infoInt(fields, "blocked_clients"),
			TotalConnectionsReceived: infoInt(fields, "total_connections_received"),
			Pool:                     in.store.PoolStats(),
		},
		Keys: KeyStats{
			TotalKeys:   keyspaceTotal(fields),
			ExpiredKeys: infoInt(fields, "expired_keys"),
			EvictedKeys: infoInt(fields, "evicted_keys"),
		},
		UptimeSeconds: infoInt(fields, "uptime_in_seconds"),
		StoreVersion:  fields["redis_version"],
		Timestamp:     now,
	}
}

// ListKeys returns up to limit keys matching pattern with their TTLs.
func (in *Inspector) ListKeys(ctx context.Context, pattern string, limit int) []KeyInfo {
	if pattern == "" {
		pattern = "*"
	}
	keys := in.store.Keys(ctx, pattern, limit)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	now := in.now().UTC()
	out := make([]KeyInfo, 0, len(keys))
	for _, key := range keys {
		ttl := in.store.TTL(ctx, key)
		out = append(out, KeyInfo{Key: key, TTL: ttl, ExpiresAt: expiresAt(now, ttl)})
	}
	return out
}

// Inspect returns the decoded value and expiry of one key.
func (in *Inspector) Inspect(ctx context.Context, key string) (KeyDetail, bool) {
	wire, ok := in.store.Get(ctx, key)
	if !ok {
		return KeyDetail{}, false
	}
	value, err := codec.Decode(wire)
	if err != nil {
		value = string(wire)
	}
	ttl, at := in.Expiry(ctx, key)
	return KeyDetail{Key: key, Value: value, TTL: ttl, ExpiresAt: at}, true
}

// Expiry returns the remaining TTL of key in seconds and the matching
// expiry time, nil when the key has none.
func (in *Inspector) Expiry(ctx context.Context, key string) (int64, *time.Time) {
	ttl := in.store.TTL(ctx, key)
	return ttl, expiresAt(in.now().UTC(), ttl)
}

// HealthCheck writes, reads back and deletes a sentinel key.
func (in *Inspector) HealthCheck(ctx context.Context) Health {
	h := Health{Operations: map[string]bool{}, Timestamp: in.now().UTC()}

	sentinel := codec.NewValue(codec.KindRaw, []byte(h.Timestamp.Format(time.RFC3339Nano))).Bytes()
	h.Operations["set"] = in.store.Set(ctx, HealthCheckKey, sentinel, 10*time.Second)

	got, ok := in.store.Get(ctx, HealthCheckKey)
	h.Operations["get"] = ok && string(got) == string(sentinel)
	h.Operations["delete"] = in.store.Delete(ctx, HealthCheckKey)

	h.Status = "healthy"
	for _, op := range []string{"set", "get", "delete"} {
		if !h.Operations[op] {
			h.Status = "unhealthy"
			h.Error = "health check " + op + " failed"
			logx.Warn("Cache health check failed", logx.String("operation", op))
			break
		}
	}
	return h
}

func expiresAt(now time.Time, ttl int64) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(time.Duration(ttl) * time.Second)
	return &t
}
