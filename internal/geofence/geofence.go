package geofence

import (
	"strings"

	"github.com/example/trip-dispatch/internal/models"
)

// Bounds is a lat/lon bounding box approximation of the service area.
type Bounds struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (b Bounds) Contains(c models.Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Validator decides whether a point can be served. It is pure: no network,
// no state, same inputs always give the same answer.
type Validator struct {
	keywords []string // lowercased service-area names
	bounds   Bounds
}

func NewValidator(keywords []string, bounds Bounds) *Validator {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Validator{keywords: lowered, bounds: bounds}
}

// IsServiceable checks textual metadata for a service-area keyword first,
// then falls back to bounding-box containment. An input with neither a
// usable coordinate nor text fails closed: an unlocatable point cannot be
// served.
func (v *Validator) IsServiceable(point models.Coord, text string) bool {
	if text != "" {
		lowered := strings.ToLower(text)
		for _, k := range v.keywords {
			if strings.Contains(lowered, k) {
				return true
			}
		}
	}
	if point.IsZero() {
		return false
	}
	return v.bounds.Contains(point)
}
