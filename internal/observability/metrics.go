package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trips admitted and persisted in SEARCHING"})
	GeofenceRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "geofence_rejections_total", Help: "Trip requests rejected by the geofence"})
	OffersCreated      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_created_total", Help: "Offers broadcast to providers"})
	AcceptWins         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accept_wins_total", Help: "Accept calls that won the assignment"})
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accept_conflicts_total", Help: "Accept calls that lost the race"})
	PositionsApplied   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "positions_applied_total", Help: "Position reports applied"})
	PositionsStale     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "positions_stale_total", Help: "Out-of-order position reports ignored"})
	RouteRefreshes     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "route_refreshes_total", Help: "Route plans fetched from the oracle"})
	RouteDegraded      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "route_degraded_total", Help: "Oracle failures absorbed as degraded routes"})
	TripsExpired       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_expired_total", Help: "Unresolved trips expired by the sweeper"})
	OffersExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_expired_total", Help: "Pending offers expired by TTL"})
	ProvidersAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "providers_available", Help: "Providers currently accepting work"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
