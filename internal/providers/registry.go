package providers

import (
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// Registry answers the one question dispatch asks: which providers can
// serve this trip right now.
type Registry interface {
	Upsert(p models.Provider)
	Eligible(cat models.Category, vehicleClass string, near models.Coord, limit int) []models.Provider
}

// Index is the in-process registry used without Redis.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Provider)}
}

func (g *Index) Upsert(p models.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.Updated = time.Now()
	g.providers[p.ID] = p
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Eligible(cat models.Category, vehicleClass string, near models.Coord, limit int) []models.Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.Provider
		dist float64
	}
	arr := make([]pair, 0, len(g.providers))
	for _, p := range g.providers {
		if !p.Available || !p.Serves(cat) {
			continue
		}
		if vehicleClass != "" && p.VehicleClass != vehicleClass {
			continue
		}
		arr = append(arr, pair{p, geo.Distance(near, p.Loc)})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Provider, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}
