package geo

import (
	"math"

	"github.com/example/trip-dispatch/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// DistanceToPolyline returns the minimum distance in meters from p to any
// vertex of the polyline. Vertex resolution is enough for drift detection:
// route geometries come back dense from the oracle.
func DistanceToPolyline(p models.Coord, line []models.Coord) float64 {
	if len(line) == 0 {
		return math.Inf(1)
	}
	min := math.Inf(1)
	for _, v := range line {
		if d := Distance(p, v); d < min {
			min = d
		}
	}
	return min
}
