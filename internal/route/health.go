package route

import (
	"sort"
	"sync"
	"time"

	"apisheet-proxy-go/internal/config"
)

// DefaultHealthTTL is how long a health verdict stays fresh.
const DefaultHealthTTL = 5 * time.Minute

// Health is the last observed outcome for one route.
type Health struct {
	RouteID     string    `json:"route"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	Stale       bool      `json:"stale"`
}

// HealthCache records per-route health. Entries are upserted after every probe
// or real attempt and are never deleted; the route set is small and fixed.
// It is safe for concurrent use.
type HealthCache struct {
	mu      sync.RWMutex
	entries map[string]Health
	ttl     time.Duration
	now     func() time.Time
}

// NewHealthCache creates an empty cache with the TTL from config.
func NewHealthCache(cfg *config.Config) *HealthCache {
	ttl := config.Seconds(cfg.Routes.HealthTTLSeconds)
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}
	return newHealthCache(ttl, time.Now)
}

func newHealthCache(ttl time.Duration, now func() time.Time) *HealthCache {
	return &HealthCache{
		entries: make(map[string]Health),
		ttl:     ttl,
		now:     now,
	}
}

// Record upserts the outcome for routeID.
func (c *HealthCache) Record(routeID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[routeID] = Health{
		RouteID:     routeID,
		Healthy:     healthy,
		LastChecked: c.now(),
	}
}

// Lookup returns the entry for routeID and whether it is still fresh.
func (c *HealthCache) Lookup(routeID string) (Health, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.entries[routeID]
	if !ok {
		return Health{}, false
	}
	h.Stale = c.now().Sub(h.LastChecked) >= c.ttl
	return h, !h.Stale
}

// Snapshot returns every entry sorted by route ID.
func (c *HealthCache) Snapshot() []Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]Health, 0, len(c.entries))
	for _, h := range c.entries {
		h.Stale = now.Sub(h.LastChecked) >= c.ttl
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}
