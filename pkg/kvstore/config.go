package kvstore

import (
	"fmt"
	"time"
)

// Config holds connection and behaviour settings for the client.
type Config struct {
	URL                   string        `yaml:"url" json:"url" validate:"required"`
	PoolSize              int           `yaml:"pool_size" json:"pool_size" validate:"min:1,max:1000"`
	MinIdleConns          int           `yaml:"min_idle_conns" json:"min_idle_conns" validate:"gte:0,lte:1000"`
	DialTimeout           time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout           time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout" json:"write_timeout"`
	OperationTimeout      time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify"`
	ScanCount             int64         `yaml:"scan_count" json:"scan_count" validate:"min:1,max:100000"`
	MaxScanKeys           int           `yaml:"max_scan_keys" json:"max_scan_keys" validate:"min:1,max:1000000"`
	DeleteBatchSize       int           `yaml:"delete_batch_size" json:"delete_batch_size" validate:"min:1,max:10000"`
	Breaker               BreakerConfig `yaml:"breaker" json:"breaker"`
}

// BreakerConfig configures the circuit breaker wrapped around every store call.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests" json:"half_open_requests"`
}

// DefaultConfig returns settings suitable for a local Redis.
func DefaultConfig() Config {
	return Config{
		URL:              "redis://localhost:6379/0",
		PoolSize:         10,
		MinIdleConns:     2,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		OperationTimeout: 5 * time.Second,
		ScanCount:        500,
		MaxScanKeys:      10000,
		DeleteBatchSize:  500,
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size must be positive", ErrInvalidConfig)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.OperationTimeout < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.ScanCount <= 0 {
		c.ScanCount = def.ScanCount
	}
	if c.MaxScanKeys <= 0 {
		c.MaxScanKeys = def.MaxScanKeys
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = def.DeleteBatchSize
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold == 0 {
			c.Breaker.FailureThreshold = def.Breaker.FailureThreshold
		}
		if c.Breaker.OpenTimeout == 0 {
			c.Breaker.OpenTimeout = def.Breaker.OpenTimeout
		}
		if c.Breaker.HalfOpenRequests == 0 {
			c.Breaker.HalfOpenRequests = def.Breaker.HalfOpenRequests
		}
	}
	return c
}
