package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Loaded once at
// startup and treated as immutable afterwards.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint string

	// Geofence: service-area keywords plus a lat/lon bounding box.
	GeofenceKeywords []string
	GeofenceMinLat   float64
	GeofenceMaxLat   float64
	GeofenceMinLon   float64
	GeofenceMaxLon   float64

	// Dispatch.
	BroadcastTopN           int
	SearchRadiusMeters      float64
	OfferTTL                time.Duration
	SearchingTTL            time.Duration
	RebroadcastOnExhaustion bool
	SweepInterval           time.Duration

	// Tracking.
	ArrivalRadiusMeters   float64
	RouteTTL              time.Duration
	RouteDeviationMeters  float64
	RouteGridToleranceDeg float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-positions",

		OSRMEndpoint: "http://localhost:5000",

		GeofenceKeywords: []string{"bengaluru", "bangalore"},
		GeofenceMinLat:   12.7,
		GeofenceMaxLat:   13.2,
		GeofenceMinLon:   77.3,
		GeofenceMaxLon:   77.9,

		BroadcastTopN:           8,
		SearchRadiusMeters:      10000,
		OfferTTL:                90 * time.Second,
		SearchingTTL:            10 * time.Minute,
		RebroadcastOnExhaustion: true,
		SweepInterval:           15 * time.Second,

		ArrivalRadiusMeters:   150,
		RouteTTL:              2 * time.Minute,
		RouteDeviationMeters:  250,
		RouteGridToleranceDeg: 0.001,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	if kw := os.Getenv("GEOFENCE_KEYWORDS"); kw != "" {
		cfg.GeofenceKeywords = splitAndTrim(kw)
	}
	setFloatFromEnv(&cfg.GeofenceMinLat, "GEOFENCE_MIN_LAT", &errs)
	setFloatFromEnv(&cfg.GeofenceMaxLat, "GEOFENCE_MAX_LAT", &errs)
	setFloatFromEnv(&cfg.GeofenceMinLon, "GEOFENCE_MIN_LON", &errs)
	setFloatFromEnv(&cfg.GeofenceMaxLon, "GEOFENCE_MAX_LON", &errs)

	setIntFromEnv(&cfg.BroadcastTopN, "DISPATCH_BROADCAST_TOP_N", &errs)
	setFloatFromEnv(&cfg.SearchRadiusMeters, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.SearchingTTL, "DISPATCH_SEARCHING_TTL", &errs)
	setBoolFromEnv(&cfg.RebroadcastOnExhaustion, "DISPATCH_REBROADCAST_ON_EXHAUSTION", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)

	setFloatFromEnv(&cfg.ArrivalRadiusMeters, "TRACKING_ARRIVAL_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.RouteTTL, "TRACKING_ROUTE_TTL", &errs)
	setFloatFromEnv(&cfg.RouteDeviationMeters, "TRACKING_ROUTE_DEVIATION_M", &errs)
	setFloatFromEnv(&cfg.RouteGridToleranceDeg, "TRACKING_ROUTE_GRID_TOLERANCE_DEG", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BroadcastTopN <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BROADCAST_TOP_N must be > 0"))
	}
	if cfg.GeofenceMinLat >= cfg.GeofenceMaxLat || cfg.GeofenceMinLon >= cfg.GeofenceMaxLon {
		errs = append(errs, fmt.Errorf("geofence bounding box is empty"))
	}
	if cfg.OfferTTL >= cfg.SearchingTTL {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be shorter than DISPATCH_SEARCHING_TTL"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
