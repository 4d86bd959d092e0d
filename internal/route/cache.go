package route

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// PlanCache holds route plans keyed by origin/destination rounded to a
// tolerance grid, so two nearby positions reuse the same plan instead of
// hammering the oracle on every report.
type PlanCache struct {
	mu        sync.RWMutex
	store     map[string]Plan
	ttl       time.Duration
	gridTolDeg float64
}

// NewPlanCache creates a cache. gridTolDeg is the rounding step in degrees;
// ttl bounds how long a plan is trusted before being refetched.
func NewPlanCache(ttl time.Duration, gridTolDeg float64) *PlanCache {
	if gridTolDeg <= 0 {
		gridTolDeg = 0.001 // ~110m grid
	}
	return &PlanCache{store: make(map[string]Plan), ttl: ttl, gridTolDeg: gridTolDeg}
}

func (c *PlanCache) Key(a, b models.Coord) string {
	return c.snap(a) + "->" + c.snap(b)
}

func (c *PlanCache) snap(p models.Coord) string {
	lat := math.Round(p.Lat/c.gridTolDeg) * c.gridTolDeg
	lon := math.Round(p.Lon/c.gridTolDeg) * c.gridTolDeg
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// Get returns the cached plan and true if present and not expired.
func (c *PlanCache) Get(a, b models.Coord) (Plan, bool) {
	k := c.Key(a, b)
	c.mu.RLock()
	p, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Plan{}, false
	}
	if time.Since(p.FetchedAt) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Plan{}, false
	}
	return p, true
}

func (c *PlanCache) Set(a, b models.Coord, p Plan) {
	k := c.Key(a, b)
	c.mu.Lock()
	c.store[k] = p
	c.mu.Unlock()
}
