package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Plan is the routing oracle's answer for one origin/destination pair. The
// core treats the polyline as opaque ordered coordinates.
type Plan struct {
	Polyline       []models.Coord `json:"polyline"`
	DistanceMeters float64        `json:"distance_meters"`
	DurationSec    float64        `json:"duration_seconds"`
	FetchedAt      time.Time      `json:"fetched_at"`
}

// Oracle is the interface the tracking reconciler uses to get route plans.
type Oracle interface {
	Route(ctx context.Context, from, to models.Coord) (Plan, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM /route between points and returns the full geometry.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Plan, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=full&geometries=geojson
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Plan{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Plan{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Plan{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Plan{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	line := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		line = append(line, models.Coord{Lat: c[1], Lon: c[0]})
	}
	return Plan{Polyline: line, DistanceMeters: r.Distance, DurationSec: r.Duration, FetchedAt: time.Now()}, nil
}
