package lookup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/mongoagent/pkg/metrics"
)

// Cached memoizes found documents for a fixed TTL. Misses and errors are not
// cached.
type Cached struct {
	log   *slog.Logger
	next  Lookup
	cache *ttlcache.Cache[string, *Document]
}

func NewCached(log *slog.Logger, next Lookup, ttl time.Duration) *Cached {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Document](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Document](),
	)
	return &Cached{log: log, next: next, cache: cache}
}

func (c *Cached) Search(ctx context.Context, id string) (*Document, error) {
	if item := c.cache.Get(id); item != nil {
		metrics.LookupRequestsTotal.WithLabelValues("cache", "hit").Inc()
		return item.Value(), nil
	}
	metrics.LookupRequestsTotal.WithLabelValues("cache", "miss").Inc()

	doc, err := c.next.Search(ctx, id)
	if err != nil || doc == nil {
		return doc, err
	}
	c.cache.Set(id, doc, ttlcache.DefaultTTL)
	c.log.Debug("lookup: cached semantic model", "id", id)
	return doc, nil
}

// Len reports the number of live entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}
