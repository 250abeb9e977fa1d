// Package invalidate removes cached entries by key, glob pattern, content
// category, owning user or namespace.
//
// Pattern invalidation scans for matching keys and deletes them in a second
// step. The two steps are not atomic: a key written between them survives,
// and a key that expired in between is simply not counted.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/pkg/cache"
	"github.com/seasbee/go-logx"
)

// ErrUnknownCategory is returned for a category missing from the registry.
var ErrUnknownCategory = errors.New("invalidate: unknown content category")

// Store is the part of the key-value client the invalidator needs.
type Store interface {
	Delete(ctx context.Context, key string) bool
	DeleteMany(ctx context.Context, keys ...string) int
	Keys(ctx context.Context, pattern string, limit int) []string
}

// Invalidator is safe for concurrent use.
type Invalidator struct {
	store      Store
	registry   *Registry
	local      *cache.LocalTier
	obs        *observability.Manager
	namespaces []string
	batchSize  int
}

// Option configures an Invalidator.
type Option func(*Invalidator)

// WithRegistry sets the category table.
func WithRegistry(r *Registry) Option {
	return func(inv *Invalidator) { inv.registry = r }
}

// WithLocalTier clears the facade's in-process tier after every invalidation.
func WithLocalTier(l *cache.LocalTier) Option {
	return func(inv *Invalidator) { inv.local = l }
}

// WithObservability attaches metrics, tracing and logging.
func WithObservability(m *observability.Manager) Option {
	return func(inv *Invalidator) { inv.obs = m }
}

// WithBatchSize bounds how many keys one scan pass collects.
func WithBatchSize(n int) Option {
	return func(inv *Invalidator) {
		if n > 0 {
			inv.batchSize = n
		}
	}
}

// New creates an invalidator over store.
func New(store Store, opts ...Option) *Invalidator {
	inv := &Invalidator{
		store:      store,
		namespaces: cache.Namespaces(),
		batchSize:  1000,
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.registry == nil {
		inv.registry = NewRegistry(nil)
	}
	return inv
}

// Registry returns the category table in use.
func (inv *Invalidator) Registry() *Registry {
	return inv.registry
}

// InvalidateKey deletes a single key and reports whether it existed.
func (inv *Invalidator) InvalidateKey(ctx context.Context, key string) bool {
	inv.local.Delete(key)
	deleted := inv.store.Delete(ctx, key)
	if deleted {
		inv.obs.RecordInvalidation("key", 1)
		logx.Info("Invalidated cache key", inv.obs.KeyField(key))
	}
	return deleted
}

// InvalidatePattern deletes every key matching the glob and returns the
// number the store confirmed deleting.
func (inv *Invalidator) InvalidatePattern(ctx context.Context, pattern string) int {
	ctx, span := inv.obs.TraceOperation(ctx, "invalidate", "pattern", pattern)
	defer span.End()

	start := time.Now()
	deleted := inv.deleteMatching(ctx, pattern)
	inv.local.Clear()

	inv.obs.RecordInvalidation("pattern", deleted)
	if deleted > 0 {
		logx.Info("Invalidated cache pattern",
			logx.String("pattern", pattern),
			logx.Int("deleted", deleted),
			logx.Int("duration_ms", int(time.Since(start).Milliseconds())))
	}
	return deleted
}

// scanLimiter is implemented by stores that cap how many keys one Keys
// call may return.
type scanLimiter interface {
	ScanLimit() int
}

// deleteMatching repeats scan-then-delete in bounded passes until a pass
// comes back short or deletes nothing.
func (inv *Invalidator) deleteMatching(ctx context.Context, pattern string) int {
	limit := inv.batchSize
	if s, ok := inv.store.(scanLimiter); ok {
		if n := s.ScanLimit(); n > 0 && n < limit {
			limit = n
		}
	}

	total := 0
	for ctx.Err() == nil {
		keys := inv.store.Keys(ctx, pattern, limit)
		if len(keys) == 0 {
			return total
		}
		n := inv.store.DeleteMany(ctx, keys...)
		total += n
		if n == 0 || len(keys) < limit {
			return total
		}
	}
	return total
}

// InvalidateCategory applies every pattern registered for category.
func (inv *Invalidator) InvalidateCategory(ctx context.Context, category string) (int, error) {
	patterns, ok := inv.registry.Patterns(category)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	total := 0
	for _, pattern := range patterns {
		total += inv.InvalidatePattern(ctx, pattern)
	}
	logx.Info("Invalidated content category",
		logx.String("category", category),
		logx.Int("deleted", total))
	return total, nil
}

// InvalidateUser deletes every caller-scoped entry of one user across all
// namespaces.
func (inv *Invalidator) InvalidateUser(ctx context.Context, userID int64) int {
	scope := escapeGlob(cache.UserScope(strconv.FormatInt(userID, 10)))

	total := 0
	for _, ns := range inv.namespaces {
		total += inv.InvalidatePattern(ctx, ns+"*"+scope+"*")
	}
	logx.Info("Invalidated user cache",
		logx.Int("user_id", int(userID)),
		logx.Int("deleted", total))
	return total
}

// InvalidateAll deletes every cached entry in every namespace. Sessions are
// not cache entries and are left alone.
func (inv *Invalidator) InvalidateAll(ctx context.Context) int {
	total := 0
	for _, ns := range inv.namespaces {
		total += inv.InvalidatePattern(ctx, ns+"*")
	}
	logx.Warn("Invalidated entire cache", logx.Int("deleted", total))
	return total
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
