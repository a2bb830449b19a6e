package weather

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atpyprog/buildflow-backend/internal/observability"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// forecastCache is a thread-safe TTL cache for normalized forecast windows,
// keyed by coordinate and date range. It exists to keep repeated capture or
// preview calls for the same site from hammering the provider inside one
// refresh interval. Expired entries are dropped lazily on read.
type forecastCache struct {
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	days      []types.DayObservation
	raw       []byte
	timezone  string
	expiresAt time.Time
}

func newForecastCache(ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *forecastCache {
	return &forecastCache{
		ttl:     ttl,
		clock:   clock,
		metrics: metrics,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(lat, lon float64, start, end types.Date) string {
	return fmt.Sprintf("%.4f,%.4f|%s|%s", lat, lon, start, end)
}

func (c *forecastCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.clock.Now().After(e.expiresAt) {
		if ok {
			delete(c.entries, key)
		}
		c.metrics.ProviderCache.WithLabelValues("miss").Inc()
		return cacheEntry{}, false
	}
	c.metrics.ProviderCache.WithLabelValues("hit").Inc()
	return e, true
}

func (c *forecastCache) put(key string, days []types.DayObservation, raw []byte, timezone string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		days:      days,
		raw:       raw,
		timezone:  timezone,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}
