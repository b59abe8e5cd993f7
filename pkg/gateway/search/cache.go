package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes results for a short time, keyed by normalized query text.
// Failures are never cached.
type Cached struct {
	next  Searcher
	cache *expirable.LRU[string, []Result]
}

func NewCached(next Searcher, size int, ttl time.Duration) Searcher {
	if next == nil || ttl <= 0 {
		return next
	}
	if size <= 0 {
		size = 256
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []Result](size, nil, ttl),
	}
}

func (c *Cached) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	key := cacheKey(query, topK)
	if hit, ok := c.cache.Get(key); ok {
		return cloneResults(hit), nil
	}
	results, err := c.next.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneResults(results))
	return results, nil
}

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func cacheKey(query string, topK int) string {
	return fmt.Sprintf("%d|%s", topK, NormalizeQuery(query))
}

func cloneResults(in []Result) []Result {
	if in == nil {
		return nil
	}
	out := make([]Result, len(in))
	copy(out, in)
	return out
}
