package cache

import (
	"strings"
	"time"
)

// Namespace roots. Every cached key starts with one of these.
const (
	PrefixAPI    = "api_cache:"
	PrefixSearch = "search_cache:"
	PrefixUser   = "user_cache:"
	PrefixPaper  = "paper_cache:"
	PrefixTweet  = "tweet_cache:"
)

// Namespaces lists the namespace roots in a stable order.
func Namespaces() []string {
	return []string{PrefixAPI, PrefixSearch, PrefixUser, PrefixPaper, PrefixTweet}
}

// NamespaceOf returns the namespace name for a key or prefix, e.g.
// "api_cache" for "api_cache:papers:abc".
func NamespaceOf(keyOrPrefix string) string {
	if i := strings.IndexByte(keyOrPrefix, ':'); i > 0 {
		return keyOrPrefix[:i]
	}
	return keyOrPrefix
}

// Tiers are the configured TTL levels.
type Tiers struct {
	Short    time.Duration
	Default  time.Duration
	Medium   time.Duration
	Long     time.Duration
	VeryLong time.Duration
}

// DefaultTiers returns 60s / 5m / 15m / 1h / 24h.
func DefaultTiers() Tiers {
	return Tiers{
		Short:    60 * time.Second,
		Default:  300 * time.Second,
		Medium:   900 * time.Second,
		Long:     3600 * time.Second,
		VeryLong: 86400 * time.Second,
	}
}

// Policy tells the facade how to cache one kind of call.
type Policy struct {
	// Prefix is prepended to every derived key, e.g. "api_cache:papers:".
	Prefix string
	// TTL of stored results. Zero uses the facade default.
	TTL time.Duration
	// VaryOnCaller scopes keys to the caller id.
	VaryOnCaller bool
	// CacheNull stores nil results too.
	CacheNull bool
	// CacheErrors stores producer failures for min(TTL, 60s).
	CacheErrors bool
}

// WithPrefix returns a copy of p using prefix.
func (p Policy) WithPrefix(prefix string) Policy {
	p.Prefix = prefix
	return p
}

// WithTTL returns a copy of p using ttl.
func (p Policy) WithTTL(ttl time.Duration) Policy {
	p.TTL = ttl
	return p
}

// UserData caches per-user results for the medium tier.
func (t Tiers) UserData() Policy {
	return Policy{Prefix: PrefixUser, TTL: t.Medium, VaryOnCaller: true}
}

// SearchResults caches search responses, including empty ones, for the short tier.
func (t Tiers) SearchResults() Policy {
	return Policy{Prefix: PrefixSearch, TTL: t.Short, CacheNull: true}
}

// StaticData caches rarely changing responses for the long tier.
func (t Tiers) StaticData() Policy {
	return Policy{Prefix: PrefixAPI, TTL: t.Long, CacheNull: true}
}
