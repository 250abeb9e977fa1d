package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/seasbee/go-logx"
)

// LocalConfig configures the optional in-process tier.
type LocalConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	MaxCostBytes int64         `yaml:"max_cost_bytes" json:"max_cost_bytes"`
	NumCounters  int64         `yaml:"num_counters" json:"num_counters"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultLocalConfig returns a disabled 64 MiB tier with a 30s ceiling.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		Enabled:      false,
		MaxCostBytes: 64 << 20,
		NumCounters:  1e6,
		TTL:          30 * time.Second,
	}
}

// LocalTier keeps recently read wire values in process memory in front of
// the shared store. Entries live at most TTL, so a node may serve a value
// up to TTL after another node invalidated it. A nil *LocalTier is a
// disabled tier.
type LocalTier struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewLocalTier builds the tier, or returns nil when cfg is disabled.
func NewLocalTier(cfg LocalConfig) (*LocalTier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	def := DefaultLocalConfig()
	if cfg.MaxCostBytes <= 0 {
		cfg.MaxCostBytes = def.MaxCostBytes
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCostBytes,
		BufferItems: 64,
		Cost: func(value interface{}) int64 {
			if b, ok := value.([]byte); ok {
				return int64(len(b))
			}
			return 1
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache tier: %w", err)
	}

	logx.Info("Local cache tier enabled",
		logx.Int("max_cost_bytes", int(cfg.MaxCostBytes)),
		logx.String("ttl", cfg.TTL.String()))

	return &LocalTier{cache: c, ttl: cfg.TTL}, nil
}

// Get returns a wire value held locally.
func (l *LocalTier) Get(key string) ([]byte, bool) {
	if l == nil {
		return nil, false
	}
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set stores a wire value for min(ttl, tier TTL). Admission is best effort.
func (l *LocalTier) Set(key string, wire []byte, ttl time.Duration) {
	if l == nil {
		return
	}
	if ttl <= 0 || ttl > l.ttl {
		ttl = l.ttl
	}
	l.cache.SetWithTTL(key, wire, 0, ttl)
}

// Delete drops one key.
func (l *LocalTier) Delete(key string) {
	if l == nil {
		return
	}
	l.cache.Del(key)
}

// Clear drops everything held locally.
func (l *LocalTier) Clear() {
	if l == nil {
		return
	}
	l.cache.Clear()
}

// Wait blocks until buffered writes are applied.
func (l *LocalTier) Wait() {
	if l == nil {
		return
	}
	l.cache.Wait()
}

// Close stops the tier's background goroutines.
func (l *LocalTier) Close() {
	if l == nil {
		return
	}
	l.cache.Close()
}
