package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geofence"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/providers"
	"github.com/example/trip-dispatch/internal/route"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/tracking"
)

// Identity arrives from the upstream auth middleware as plain headers.
// Token verification is that layer's problem, not ours.
const (
	headerUserID     = "X-User-ID"
	headerProviderID = "X-Provider-ID"
)

type Server struct {
	Coord    *lifecycle.Coordinator
	Engine   *dispatch.Engine
	Tracker  *tracking.Reconciler
	Registry providers.Registry
	Kafka    *ingest.KafkaProducer

	logger *slog.Logger
	mux    *mux.Router

	// last reported availability per provider, so the gauge moves only on
	// actual state changes and not on every repeated heartbeat
	hbMu      sync.Mutex
	available map[string]bool
}

// NewServer wires the dispatch core from config. Redis and Postgres are
// optional; without them the in-process registry and store take over,
// which is how the test suite and local runs work.
func NewServer(cfg config.ServerConfig, log *slog.Logger) *Server {
	var reg providers.Registry
	if cfg.RedisAddr != "" {
		reg = providers.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.SearchRadiusMeters)
	} else {
		reg = providers.NewIndex()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			log.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	locks := storage.NewKeyedMutex()
	fence := geofence.NewValidator(cfg.GeofenceKeywords, geofence.Bounds{
		MinLat: cfg.GeofenceMinLat, MaxLat: cfg.GeofenceMaxLat,
		MinLon: cfg.GeofenceMinLon, MaxLon: cfg.GeofenceMaxLon,
	})
	engine := &dispatch.Engine{
		Store: store, Registry: reg, Locks: locks,
		Log:  logging.Component(log, "dispatch"),
		TopN: cfg.BroadcastTopN,
		OfferTTL: cfg.OfferTTL, RebroadcastOnExhaustion: cfg.RebroadcastOnExhaustion,
	}
	cache := route.NewPlanCache(cfg.RouteTTL, cfg.RouteGridToleranceDeg)
	tracker := tracking.NewReconciler(store, locks, route.NewOSRMClient(cfg.OSRMEndpoint), cache,
		logging.Component(log, "tracking"), cfg.ArrivalRadiusMeters, cfg.RouteDeviationMeters)
	coord := &lifecycle.Coordinator{
		Store: store, Locks: locks, Engine: engine, Fence: fence, Tracker: tracker,
		Log:          logging.Component(log, "lifecycle"),
		SearchingTTL: cfg.SearchingTTL,
	}

	s := &Server{
		Coord: coord, Engine: engine, Tracker: tracker, Registry: reg, Kafka: kp,
		logger: log, mux: mux.NewRouter(), available: make(map[string]bool),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/mine", s.handleMyTrips).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/arrive", s.handleProgress(s.arrive)).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/start", s.handleProgress(s.start)).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/complete", s.handleProgress(s.complete)).Methods("POST")
	s.mux.HandleFunc("/api/v1/providers/offers", s.handleProviderOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/providers/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/tracking/update", s.handleTrackingUpdate).Methods("POST")
	s.mux.HandleFunc("/api/v1/tracking/{tripId}", s.handleTrackingView).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripBody struct {
	Category     models.Category `json:"category"`
	VehicleClass string          `json:"vehicle_class"`
	Pickup       models.Coord    `json:"pickup"`
	Dropoff      models.Coord    `json:"dropoff"`
	PickupAddr   string          `json:"pickup_addr"`
	DropoffAddr  string          `json:"dropoff_addr"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	Note         string          `json:"note"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(headerUserID)
	if uid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var body createTripBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	trip, offers, err := s.Coord.Create(r.Context(), lifecycle.CreateRequest{
		RequesterID:  uid,
		Category:     body.Category,
		VehicleClass: body.VehicleClass,
		Pickup:       body.Pickup,
		Dropoff:      body.Dropoff,
		PickupAddr:   body.PickupAddr,
		DropoffAddr:  body.DropoffAddr,
		WindowStart:  body.WindowStart,
		WindowEnd:    body.WindowEnd,
		Note:         body.Note,
	})
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"trip_id": trip.ID, "state": trip.State, "offers": offers})
}

func (s *Server) handleMyTrips(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(headerUserID)
	if uid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	trips, err := s.Coord.TripsFor(r.Context(), uid)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(headerUserID)
	if uid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	trip, err := s.Coord.Cancel(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": trip.ID, "state": trip.State})
}

type progressFn func(r *http.Request, tripID, providerID string) (*models.Trip, error)

func (s *Server) arrive(r *http.Request, tripID, providerID string) (*models.Trip, error) {
	return s.Coord.Arrive(r.Context(), tripID, providerID)
}

func (s *Server) start(r *http.Request, tripID, providerID string) (*models.Trip, error) {
	return s.Coord.Start(r.Context(), tripID, providerID)
}

func (s *Server) complete(r *http.Request, tripID, providerID string) (*models.Trip, error) {
	return s.Coord.Complete(r.Context(), tripID, providerID)
}

func (s *Server) handleProgress(fn progressFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid := r.Header.Get(headerProviderID)
		if pid == "" {
			writeErr(w, http.StatusUnauthorized, "missing identity")
			return
		}
		trip, err := fn(r, mux.Vars(r)["id"], pid)
		if err != nil {
			s.writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"trip_id": trip.ID, "state": trip.State})
	}
}

func (s *Server) handleProviderOffers(w http.ResponseWriter, r *http.Request) {
	pid := r.Header.Get(headerProviderID)
	if pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	offers, err := s.Engine.PendingOffers(r.Context(), pid)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type heartbeatBody struct {
	VehicleClass string            `json:"vehicle_class"`
	Categories   []models.Category `json:"categories"`
	Lat          float64           `json:"lat"`
	Lon          float64           `json:"lon"`
	Available    bool              `json:"available"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	pid := r.Header.Get(headerProviderID)
	if pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var body heartbeatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Registry.Upsert(models.Provider{
		ID:           pid,
		VehicleClass: body.VehicleClass,
		Categories:   body.Categories,
		Loc:          models.Coord{Lat: body.Lat, Lon: body.Lon},
		Available:    body.Available,
	})
	s.hbMu.Lock()
	prev, seen := s.available[pid]
	s.available[pid] = body.Available
	s.hbMu.Unlock()
	switch {
	case body.Available && (!seen || !prev):
		observability.ProvidersAvailable.Inc()
	case !body.Available && seen && prev:
		observability.ProvidersAvailable.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	pid := r.Header.Get(headerProviderID)
	if pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	asgn, err := s.Engine.Accept(r.Context(), mux.Vars(r)["id"], pid)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asgn)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	pid := r.Header.Get(headerProviderID)
	if pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if err := s.Engine.Reject(r.Context(), mux.Vars(r)["id"], pid); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrackingUpdate(w http.ResponseWriter, r *http.Request) {
	pid := r.Header.Get(headerProviderID)
	if pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var body models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	body.ProviderID = pid
	if body.ReportedAt.IsZero() {
		body.ReportedAt = time.Now()
	}
	pos := models.Position{Lat: body.Lat, Lon: body.Lon, Heading: body.Heading, SpeedMps: body.SpeedMps, ReportedAt: body.ReportedAt}
	if err := s.Tracker.ReportPosition(r.Context(), body.TripID, pid, pos); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	// feed the async presence pipeline too, best-effort
	if s.Kafka != nil {
		_ = s.Kafka.PublishPosition(body)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTrackingView(w http.ResponseWriter, r *http.Request) {
	uid := r.Header.Get(headerUserID)
	pid := r.Header.Get(headerProviderID)
	if uid == "" && pid == "" {
		writeErr(w, http.StatusUnauthorized, "missing identity")
		return
	}
	snap, err := s.Tracker.CurrentView(r.Context(), mux.Vars(r)["tripId"])
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrGeofenceRejected):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrTripTerminal),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrOfferAlreadyDecided),
		errors.Is(err, dispatch.ErrTripNotSearching),
		errors.Is(err, tracking.ErrTripNotTrackable):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNotRequester),
		errors.Is(err, lifecycle.ErrNotAssignee),
		errors.Is(err, tracking.ErrNotAssignedProvider):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrOfferNotFound),
		errors.Is(err, storage.ErrTripNotFound),
		errors.Is(err, storage.ErrOfferNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
