package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/route"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	ErrNotAssignedProvider = errors.New("not the assigned provider")
	ErrTripNotTrackable    = errors.New("trip not trackable")
)

// Snapshot is the projection polling clients read every few seconds. It is
// assembled entirely from local state; nothing here touches the network.
type Snapshot struct {
	TripID         string           `json:"trip_id"`
	State          models.TripState `json:"state"`
	ProviderID     string           `json:"provider_id,omitempty"`
	Position       *models.Position `json:"position,omitempty"`
	Polyline       []models.Coord   `json:"polyline,omitempty"`
	DistanceMeters float64          `json:"distance_meters,omitempty"`
	EtaSeconds     float64          `json:"eta_seconds,omitempty"`
	RouteDegraded  bool             `json:"route_degraded"`
}

type liveState struct {
	pos      models.Position
	hasPos   bool
	plan     *route.Plan
	degraded bool
}

// Reconciler consumes position reports from the assigned provider, keeps
// the latest position per trip, refreshes the route plan when it goes
// stale, and fires the proximity transition near the pickup point.
//
// Two locks are in play: the shared per-trip KeyedMutex serializes the
// report against Accept/Cancel on the same trip, and r.mu guards the live
// map so CurrentView can read it from any goroutine.
type Reconciler struct {
	Store  storage.TripStore
	Locks  *storage.KeyedMutex
	Oracle route.Oracle
	Cache  *route.PlanCache
	Log    *slog.Logger

	ArrivalRadiusM float64
	DeviationM     float64

	mu   sync.RWMutex
	live map[string]liveState
}

func NewReconciler(store storage.TripStore, locks *storage.KeyedMutex, oracle route.Oracle, cache *route.PlanCache, log *slog.Logger, arrivalRadiusM, deviationM float64) *Reconciler {
	return &Reconciler{
		Store: store, Locks: locks, Oracle: oracle, Cache: cache, Log: log,
		ArrivalRadiusM: arrivalRadiusM, DeviationM: deviationM,
		live: make(map[string]liveState),
	}
}

// ReportPosition applies one provider position report. Reports carrying a
// timestamp at or before the stored one are idempotent no-ops, protecting
// against retried deliveries arriving out of order. A route-oracle failure
// never fails the report; the snapshot is flagged degraded until the next
// refresh succeeds.
func (r *Reconciler) ReportPosition(ctx context.Context, tripID, providerID string, pos models.Position) error {
	needFetch, pickup, err := r.applyReport(ctx, tripID, providerID, pos)
	if err != nil {
		return err
	}
	if needFetch {
		// the oracle round-trip happens without the trip lock held
		r.refreshPlan(ctx, tripID, models.Coord{Lat: pos.Lat, Lon: pos.Lon}, pickup, pos.ReportedAt)
	}
	return nil
}

// applyReport runs the locked half of ReportPosition: validation, position
// overwrite, proximity transition, and the staleness decision.
func (r *Reconciler) applyReport(ctx context.Context, tripID, providerID string, pos models.Position) (bool, models.Coord, error) {
	unlock := r.Locks.Lock(tripID)
	defer unlock()

	trip, err := r.Store.GetTrip(ctx, tripID)
	if err != nil {
		return false, models.Coord{}, err
	}
	if !trip.State.Trackable() {
		return false, models.Coord{}, ErrTripNotTrackable
	}
	if trip.ProviderID != providerID {
		return false, models.Coord{}, ErrNotAssignedProvider
	}

	state := r.get(tripID)
	if state.hasPos && !pos.ReportedAt.After(state.pos.ReportedAt) {
		observability.PositionsStale.Inc()
		return false, models.Coord{}, nil
	}
	state.pos = pos
	state.hasPos = true
	observability.PositionsApplied.Inc()

	cur := models.Coord{Lat: pos.Lat, Lon: pos.Lon}
	if err := r.proximityTransition(ctx, trip, cur); err != nil {
		r.Log.Error("proximity transition", "trip_id", tripID, "error", err)
	}

	needFetch := true
	if plan, ok := r.Cache.Get(cur, trip.Pickup); ok {
		if geo.DistanceToPolyline(cur, plan.Polyline) <= r.DeviationM {
			// fresh cached plan still matches reality; adopt it
			state.plan = &plan
			state.degraded = false
			needFetch = false
		}
	}
	r.put(tripID, state)
	return needFetch, trip.Pickup, nil
}

// refreshPlan fetches a plan from the oracle, then re-acquires the trip
// lock to commit it. If the trip stopped being trackable or a newer report
// landed while the request was in flight, the result is discarded rather
// than clobbering newer data.
func (r *Reconciler) refreshPlan(ctx context.Context, tripID string, from, to models.Coord, reportedAt time.Time) {
	plan, err := r.Oracle.Route(ctx, from, to)

	unlock := r.Locks.Lock(tripID)
	defer unlock()

	trip, terr := r.Store.GetTrip(ctx, tripID)
	if terr != nil || !trip.State.Trackable() {
		return
	}
	state := r.get(tripID)
	if err != nil {
		observability.RouteDegraded.Inc()
		state.degraded = true
		r.put(tripID, state)
		r.Log.Warn("route oracle unavailable", "trip_id", tripID, "error", err)
		return
	}
	r.Cache.Set(from, to, plan)
	if state.hasPos && state.pos.ReportedAt.After(reportedAt) && state.plan != nil {
		// superseded; the newer report's own refresh owns the plan now
		return
	}
	state.plan = &plan
	state.degraded = false
	r.put(tripID, state)
	observability.RouteRefreshes.Inc()
}

func (r *Reconciler) proximityTransition(ctx context.Context, trip *models.Trip, cur models.Coord) error {
	if trip.State != models.StateAccepted {
		return nil
	}
	if geo.Distance(cur, trip.Pickup) > r.ArrivalRadiusM {
		return nil
	}
	if trip.Category.UsesArrived() {
		trip.State = models.StateArrived
	} else {
		trip.State = models.StateInProgress
	}
	if err := r.Store.UpdateTrip(ctx, trip); err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	r.Log.Info("proximity transition", "trip_id", trip.ID, "state", trip.State)
	return nil
}

// CurrentView builds the cache-only polling payload.
func (r *Reconciler) CurrentView(ctx context.Context, tripID string) (Snapshot, error) {
	trip, err := r.Store.GetTrip(ctx, tripID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{TripID: trip.ID, State: trip.State, ProviderID: trip.ProviderID}

	r.mu.RLock()
	state, ok := r.live[tripID]
	r.mu.RUnlock()
	if ok {
		if state.hasPos {
			p := state.pos
			snap.Position = &p
		}
		if state.plan != nil {
			snap.Polyline = state.plan.Polyline
			snap.DistanceMeters = state.plan.DistanceMeters
			snap.EtaSeconds = state.plan.DurationSec
		}
		snap.RouteDegraded = state.degraded
	}
	return snap, nil
}

// Invalidate drops live tracking state for a trip. Called by the lifecycle
// coordinator on cancellation so the old assignee's view disappears.
func (r *Reconciler) Invalidate(tripID string) {
	r.mu.Lock()
	delete(r.live, tripID)
	r.mu.Unlock()
}

func (r *Reconciler) get(tripID string) liveState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[tripID]
}

func (r *Reconciler) put(tripID string, s liveState) {
	r.mu.Lock()
	r.live[tripID] = s
	r.mu.Unlock()
}
