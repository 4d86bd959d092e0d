package providers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisRegistry implements Registry using Redis GEO commands plus a hash
// per provider for capability metadata. The cmd/consumer binary keeps it
// fresh from the Kafka position stream; heartbeats write through it too.
type RedisRegistry struct {
	client *redis.Client
	key    string
	radius float64 // meters
}

func NewRedisRegistry(addr, password, key string, radiusMeters float64) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if radiusMeters <= 0 {
		radiusMeters = 10000
	}
	return &RedisRegistry{client: c, key: key, radius: radiusMeters}
}

func (r *RedisRegistry) Upsert(p models.Provider) {
	ctx := context.Background()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}).Result()
	cats := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		cats = append(cats, string(c))
	}
	_ = r.client.HSet(ctx, metaKey(p.ID), map[string]interface{}{
		"vehicle_class": p.VehicleClass,
		"categories":    strings.Join(cats, ","),
		"available":     strconv.FormatBool(p.Available),
		"updated":       time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisRegistry) Eligible(cat models.Category, vehicleClass string, near models.Coord, limit int) []models.Provider {
	ctx := context.Background()
	res, err := r.client.GeoRadius(ctx, r.key, near.Lon, near.Lat, &redis.GeoRadiusQuery{
		Radius: r.radius, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 4, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Provider, 0, limit)
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		p := models.Provider{ID: g.Name}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		p.VehicleClass = m["vehicle_class"]
		p.Available = m["available"] == "true"
		for _, c := range strings.Split(m["categories"], ",") {
			if c != "" {
				p.Categories = append(p.Categories, models.Category(c))
			}
		}
		if !p.Available || !p.Serves(cat) {
			continue
		}
		if vehicleClass != "" && p.VehicleClass != vehicleClass {
			continue
		}
		out = append(out, p)
	}
	return out
}

func metaKey(id string) string { return "provider:meta:" + id }
