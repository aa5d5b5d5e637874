// Package geocache memoizes forward geocoding results for the lifetime of a
// process.
package geocache

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"golang.org/x/sync/singleflight"
)

// CachedGeocoder decorates a Geocoder with a bounded LRU keyed by the
// normalized query. Only found results are cached, so a miss or a failure is
// retried on the next lookup. Concurrent lookups of the same query share one
// upstream call.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *lru
	group   singleflight.Group
	metrics *observability.Metrics
}

// New wraps inner with a cache holding at most maxEntries results. metrics
// may be nil.
func New(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) *CachedGeocoder {
	return &CachedGeocoder{
		inner:   inner,
		cache:   newLRU(maxEntries),
		metrics: metrics,
	}
}

// ForwardGeocode implements domain.Geocoder.
func (c *CachedGeocoder) ForwardGeocode(ctx context.Context, query string) (domain.GeocodingResult, error) {
	key := normalize(query)
	if res, ok := c.cache.get(key); ok {
		c.observe("hit")
		return res, nil
	}
	c.observe("miss")

	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := c.inner.ForwardGeocode(ctx, query)
		if err != nil {
			return res, err
		}
		if res.Found {
			c.cache.put(key, res)
		}
		return res, nil
	})
	res, _ := v.(domain.GeocodingResult)
	return res, err
}

// Len reports the number of cached results.
func (c *CachedGeocoder) Len() int {
	return c.cache.len()
}

func (c *CachedGeocoder) observe(result string) {
	if c.metrics != nil {
		c.metrics.GeocodeCache.WithLabelValues(result).Inc()
	}
}

func normalize(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

type lru struct {
	max   int
	mu    sync.Mutex
	order *list.List // front is most recently used
	items map[string]*list.Element
}

type item struct {
	key   string
	value domain.GeocodingResult
}

func newLRU(size int) *lru {
	if size < 1 {
		size = 1
	}
	return &lru{max: size, order: list.New(), items: make(map[string]*list.Element)}
}

func (l *lru) get(key string) (domain.GeocodingResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return domain.GeocodingResult{}, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*item).value, true
}

func (l *lru) put(key string, value domain.GeocodingResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		el.Value.(*item).value = value
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(&item{key: key, value: value})

	if l.order.Len() > l.max {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*item).key)
	}
}

func (l *lru) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
