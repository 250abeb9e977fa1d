package invalidate

import (
	"sort"
	"sync"

	"github.com/dlmonitor/dlcache/pkg/cache"
)

// Content categories with predefined invalidation patterns.
const (
	CategoryPapers = "papers"
	CategoryTweets = "tweets"
	CategoryUsers  = "users"
	CategorySearch = "search"
)

// DefaultCategories maps each content category to the globs that cover it.
// Search results embed papers and tweets, so both invalidate search too.
func DefaultCategories() map[string][]string {
	return map[string][]string{
		CategoryPapers: {cache.PrefixAPI + "papers:*", cache.PrefixPaper + "*", cache.PrefixSearch + "*"},
		CategoryTweets: {cache.PrefixAPI + "tweets:*", cache.PrefixTweet + "*", cache.PrefixSearch + "*"},
		CategoryUsers:  {cache.PrefixAPI + "users:*", cache.PrefixUser + "*"},
		CategorySearch: {cache.PrefixSearch + "*"},
	}
}

// Registry holds the category table. It can be swapped at runtime when the
// configuration is reloaded.
type Registry struct {
	mu         sync.RWMutex
	categories map[string][]string
}

// NewRegistry creates a registry from categories, or the defaults when nil.
func NewRegistry(categories map[string][]string) *Registry {
	r := &Registry{}
	r.Replace(categories)
	return r
}

// Patterns returns the globs for a category.
func (r *Registry) Patterns(category string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patterns, ok := r.categories[category]
	if !ok {
		return nil, false
	}
	return append([]string(nil), patterns...), true
}

// Categories returns the known category names, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.categories))
	for name := range r.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace swaps the whole table. A nil or empty table restores the defaults.
func (r *Registry) Replace(categories map[string][]string) {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	table := make(map[string][]string, len(categories))
	for name, patterns := range categories {
		table[name] = append([]string(nil), patterns...)
	}

	r.mu.Lock()
	r.categories = table
	r.mu.Unlock()
}
