package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geofence"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/tracking"
)

var (
	ErrValidation        = errors.New("invalid trip request")
	ErrGeofenceRejected  = errors.New("location outside service area")
	ErrTripTerminal      = errors.New("trip already terminal")
	ErrInvalidTransition = errors.New("transition not permitted")
	ErrNotRequester      = errors.New("not the requester of this trip")
	ErrNotAssignee       = errors.New("not the assigned provider")
)

// transitions is the single trip-level state table. Category narrows it
// further: only tow trips pass through ARRIVED.
var transitions = map[models.TripState][]models.TripState{
	models.StateSearching:  {models.StateAccepted, models.StateCancelled, models.StateExpired},
	models.StateAccepted:   {models.StateArrived, models.StateInProgress, models.StateCancelled},
	models.StateArrived:    {models.StateInProgress, models.StateCompleted, models.StateCancelled},
	models.StateInProgress: {models.StateCompleted, models.StateCancelled},
}

func allowed(cat models.Category, from, to models.TripState) bool {
	if to == models.StateArrived && !cat.UsesArrived() {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateRequest is the inbound shape for a new trip.
type CreateRequest struct {
	RequesterID  string
	Category     models.Category
	VehicleClass string
	Pickup       models.Coord
	Dropoff      models.Coord
	PickupAddr   string
	DropoffAddr  string
	WindowStart  time.Time
	WindowEnd    time.Time
	Note         string
}

// Coordinator is the facade every external caller goes through. It owns
// the state machine; the dispatch engine and tracking reconciler mutate
// trips only in the shapes the table permits.
type Coordinator struct {
	Store   storage.TripStore
	Locks   *storage.KeyedMutex
	Engine  *dispatch.Engine
	Fence   *geofence.Validator
	Tracker *tracking.Reconciler
	Log     *slog.Logger

	SearchingTTL time.Duration
}

// Create admits a trip: geofence per category policy, persist in
// SEARCHING, broadcast offers. Tow and driver-hire trips are fenced on the
// pickup point only; outstation trips leave the service area by definition
// and just need both endpoints present.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*models.Trip, int, error) {
	if req.RequesterID == "" || !req.Category.Valid() {
		return nil, 0, ErrValidation
	}
	switch req.Category {
	case models.CategoryOutstation:
		if req.Pickup.IsZero() && req.PickupAddr == "" {
			return nil, 0, ErrValidation
		}
		if req.Dropoff.IsZero() && req.DropoffAddr == "" {
			return nil, 0, ErrValidation
		}
	default:
		if !c.Fence.IsServiceable(req.Pickup, req.PickupAddr) {
			observability.GeofenceRejections.Inc()
			return nil, 0, ErrGeofenceRejected
		}
	}

	now := time.Now()
	trip := &models.Trip{
		ID:           uuid.NewString(),
		RequesterID:  req.RequesterID,
		Category:     req.Category,
		VehicleClass: req.VehicleClass,
		Pickup:       req.Pickup,
		Dropoff:      req.Dropoff,
		PickupAddr:   req.PickupAddr,
		DropoffAddr:  req.DropoffAddr,
		WindowStart:  req.WindowStart,
		WindowEnd:    req.WindowEnd,
		Note:         req.Note,
		State:        models.StateSearching,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Store.CreateTrip(ctx, trip); err != nil {
		return nil, 0, fmt.Errorf("persist trip: %w", err)
	}
	observability.TripsCreated.Inc()

	offers, err := c.Engine.CreateOffers(ctx, trip)
	switch {
	case errors.Is(err, dispatch.ErrTripNotSearching):
		// a cancel won the race before the broadcast; nothing to fan out
		c.Log.Info("broadcast skipped, trip no longer searching", "trip_id", trip.ID)
	case err != nil:
		// trip stays SEARCHING; the sweep will re-broadcast or expire it
		c.Log.Error("initial broadcast failed", "trip_id", trip.ID, "error", err)
	}
	c.Log.Info("trip created", "trip_id", trip.ID, "category", trip.Category, "offers", len(offers))
	return trip, len(offers), nil
}

// Cancel is the requester-initiated cancellation, legal from any
// non-terminal state. It invalidates the assignee's tracking view and
// closes out any offers still pending.
func (c *Coordinator) Cancel(ctx context.Context, tripID, requesterID string) (*models.Trip, error) {
	unlock := c.Locks.Lock(tripID)
	defer unlock()

	trip, err := c.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.RequesterID != requesterID {
		return nil, ErrNotRequester
	}
	if trip.State.Terminal() {
		return nil, ErrTripTerminal
	}
	trip.State = models.StateCancelled
	if err := c.Store.UpdateTrip(ctx, trip); err != nil {
		return nil, fmt.Errorf("update trip: %w", err)
	}
	c.closePendingOffers(ctx, tripID)
	c.Tracker.Invalidate(tripID)
	c.Log.Info("trip cancelled", "trip_id", tripID)
	return trip, nil
}

// Arrive is the tow operator's manual arrival signal; the proximity rule
// usually beats them to it.
func (c *Coordinator) Arrive(ctx context.Context, tripID, providerID string) (*models.Trip, error) {
	return c.progress(ctx, tripID, providerID, models.StateArrived)
}

// Start moves the trip to IN_PROGRESS.
func (c *Coordinator) Start(ctx context.Context, tripID, providerID string) (*models.Trip, error) {
	return c.progress(ctx, tripID, providerID, models.StateInProgress)
}

// Complete finishes the trip.
func (c *Coordinator) Complete(ctx context.Context, tripID, providerID string) (*models.Trip, error) {
	return c.progress(ctx, tripID, providerID, models.StateCompleted)
}

func (c *Coordinator) progress(ctx context.Context, tripID, providerID string, to models.TripState) (*models.Trip, error) {
	unlock := c.Locks.Lock(tripID)
	defer unlock()

	trip, err := c.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.State.Terminal() {
		return nil, ErrTripTerminal
	}
	if trip.ProviderID != providerID {
		return nil, ErrNotAssignee
	}
	if !allowed(trip.Category, trip.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, trip.State, to)
	}
	trip.State = to
	if err := c.Store.UpdateTrip(ctx, trip); err != nil {
		return nil, fmt.Errorf("update trip: %w", err)
	}
	if to.Terminal() {
		c.Tracker.Invalidate(tripID)
	}
	c.Log.Info("trip transition", "trip_id", tripID, "state", to)
	return trip, nil
}

// ExpireTrips moves SEARCHING trips past the searching TTL to EXPIRED.
// Trips that reached ACCEPTED never expire; they end by completion or
// cancellation.
func (c *Coordinator) ExpireTrips(ctx context.Context, now time.Time) {
	trips, err := c.Store.TripsInState(ctx, models.StateSearching)
	if err != nil {
		c.Log.Error("expire trips: list", "error", err)
		return
	}
	cutoff := now.Add(-c.SearchingTTL)
	for _, t := range trips {
		if t.CreatedAt.After(cutoff) {
			continue
		}
		c.expireTrip(ctx, t.ID)
	}
}

func (c *Coordinator) expireTrip(ctx context.Context, tripID string) {
	unlock := c.Locks.Lock(tripID)
	defer unlock()

	trip, err := c.Store.GetTrip(ctx, tripID)
	if err != nil || trip.State != models.StateSearching {
		return
	}
	trip.State = models.StateExpired
	if err := c.Store.UpdateTrip(ctx, trip); err != nil {
		c.Log.Error("expire trip", "trip_id", tripID, "error", err)
		return
	}
	c.closePendingOffers(ctx, tripID)
	observability.TripsExpired.Inc()
	c.Log.Info("trip expired", "trip_id", tripID)
}

// closePendingOffers runs under the trip lock.
func (c *Coordinator) closePendingOffers(ctx context.Context, tripID string) {
	offers, err := c.Store.OffersByTrip(ctx, tripID)
	if err != nil {
		return
	}
	now := time.Now()
	for _, o := range offers {
		if o.Status != models.OfferPending {
			continue
		}
		o.Status = models.OfferExpired
		o.DecidedAt = now
		if err := c.Store.UpdateOffer(ctx, &o); err != nil {
			c.Log.Error("close offer", "offer_id", o.ID, "error", err)
		}
	}
}

// TripsFor lists the requester's trips, newest first. Clients use the
// first non-terminal entry as their active booking.
func (c *Coordinator) TripsFor(ctx context.Context, requesterID string) ([]models.Trip, error) {
	return c.Store.TripsByRequester(ctx, requesterID)
}
