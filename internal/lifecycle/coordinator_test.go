package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geofence"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/providers"
	"github.com/example/trip-dispatch/internal/route"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/tracking"
)

type stubOracle struct{}

func (stubOracle) Route(ctx context.Context, from, to models.Coord) (route.Plan, error) {
	return route.Plan{Polyline: []models.Coord{from, to}, DistanceMeters: 1000, DurationSec: 120, FetchedAt: time.Now()}, nil
}

type fixture struct {
	coord   *Coordinator
	engine  *dispatch.Engine
	tracker *tracking.Reconciler
	store   *storage.MemoryStore
	reg     *providers.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	locks := storage.NewKeyedMutex()
	reg := providers.NewIndex()
	engine := &dispatch.Engine{
		Store: store, Registry: reg, Locks: locks, Log: log,
		TopN: 8, OfferTTL: time.Minute, RebroadcastOnExhaustion: true,
	}
	tracker := tracking.NewReconciler(store, locks, stubOracle{}, route.NewPlanCache(time.Minute, 0.001), log, 150, 250)
	fence := geofence.NewValidator([]string{"bengaluru", "bangalore"},
		geofence.Bounds{MinLat: 12.7, MaxLat: 13.2, MinLon: 77.3, MaxLon: 77.9})
	coord := &Coordinator{
		Store: store, Locks: locks, Engine: engine, Fence: fence, Tracker: tracker,
		Log: log, SearchingTTL: 10 * time.Minute,
	}
	return &fixture{coord: coord, engine: engine, tracker: tracker, store: store, reg: reg}
}

func (f *fixture) addProvider(id string, cat models.Category) {
	f.reg.Upsert(models.Provider{
		ID: id, VehicleClass: "sedan", Categories: []models.Category{cat},
		Loc: models.Coord{Lat: 12.96, Lon: 77.58}, Available: true,
	})
}

func hireRequest() CreateRequest {
	return CreateRequest{
		RequesterID: "req-1", Category: models.CategoryDriverHire, VehicleClass: "sedan",
		Pickup:  models.Coord{Lat: 12.97, Lon: 77.59},
		Dropoff: models.Coord{Lat: 12.93, Lon: 77.61},
	}
}

// accept drives a trip to ACCEPTED through the engine, the way a real
// provider would.
func (f *fixture) accept(t *testing.T, tripID, providerID string) {
	t.Helper()
	offers, err := f.store.OffersByTrip(context.Background(), tripID)
	require.NoError(t, err)
	for _, o := range offers {
		if o.ProviderID == providerID && o.Status == models.OfferPending {
			_, err := f.engine.Accept(context.Background(), o.ID, providerID)
			require.NoError(t, err)
			return
		}
	}
	t.Fatalf("no pending offer for provider %s", providerID)
}

func TestCreateInsideGeofence(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)

	trip, offers, err := f.coord.Create(context.Background(), hireRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StateSearching, trip.State)
	assert.Equal(t, 1, offers)
}

func TestCreateWithNoProvidersStillSearches(t *testing.T) {
	f := newFixture(t)
	trip, offers, err := f.coord.Create(context.Background(), hireRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StateSearching, trip.State)
	assert.Zero(t, offers)
}

func TestCreateOutsideGeofenceRejected(t *testing.T) {
	f := newFixture(t)
	req := hireRequest()
	req.Pickup = models.Coord{Lat: 19.07, Lon: 72.87} // Mumbai
	req.PickupAddr = "Andheri West, Mumbai"

	_, _, err := f.coord.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrGeofenceRejected)
}

func TestOutstationExemptFromGeofence(t *testing.T) {
	f := newFixture(t)
	req := hireRequest()
	req.Category = models.CategoryOutstation
	req.Pickup = models.Coord{Lat: 19.07, Lon: 72.87}
	req.Dropoff = models.Coord{Lat: 18.52, Lon: 73.85}

	trip, _, err := f.coord.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StateSearching, trip.State)
}

func TestOutstationRequiresBothEndpoints(t *testing.T) {
	f := newFixture(t)
	req := hireRequest()
	req.Category = models.CategoryOutstation
	req.Dropoff = models.Coord{}
	req.DropoffAddr = ""

	_, _, err := f.coord.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCancelWhileSearching(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)

	got, err := f.coord.Cancel(ctx, trip.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)

	// the pending offer is gone from the provider's list
	offers, err := f.engine.PendingOffers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestCancelTerminalConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, trip.ID, "req-1")
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, trip.ID, "req-1")
	require.ErrorIs(t, err, ErrTripTerminal)
}

func TestCancelByStrangerForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, trip.ID, "someone-else")
	require.ErrorIs(t, err, ErrNotRequester)
}

func TestCancelAfterAcceptInvalidatesTracking(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)
	f.accept(t, trip.ID, "p1")

	// provider is tracking normally
	err = f.tracker.ReportPosition(ctx, trip.ID, "p1",
		models.Position{Lat: 12.90, Lon: 77.50, ReportedAt: time.Now()})
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, trip.ID, "req-1")
	require.NoError(t, err)

	// the next in-flight report must fail, not silently succeed
	err = f.tracker.ReportPosition(ctx, trip.ID, "p1",
		models.Position{Lat: 12.91, Lon: 77.51, ReportedAt: time.Now()})
	require.ErrorIs(t, err, tracking.ErrTripNotTrackable)
}

func TestHireProgressSkipsArrived(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)
	f.accept(t, trip.ID, "p1")

	_, err = f.coord.Arrive(ctx, trip.ID, "p1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.coord.Start(ctx, trip.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, got.State)

	got, err = f.coord.Complete(ctx, trip.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)

	_, err = f.coord.Start(ctx, trip.ID, "p1")
	require.ErrorIs(t, err, ErrTripTerminal)
}

func TestTowProgressUsesArrived(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryTow)
	ctx := context.Background()

	req := hireRequest()
	req.Category = models.CategoryTow
	trip, _, err := f.coord.Create(ctx, req)
	require.NoError(t, err)
	f.accept(t, trip.ID, "p1")

	got, err := f.coord.Arrive(ctx, trip.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateArrived, got.State)

	got, err = f.coord.Start(ctx, trip.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, got.State)

	got, err = f.coord.Complete(ctx, trip.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestProgressByNonAssigneeForbidden(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)
	f.accept(t, trip.ID, "p1")

	_, err = f.coord.Start(ctx, trip.ID, "p2")
	require.ErrorIs(t, err, ErrNotAssignee)
}

func TestExpireTripsSweepsStaleSearching(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)

	// nothing happens before the TTL
	f.coord.ExpireTrips(ctx, time.Now())
	got, err := f.store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSearching, got.State)

	f.coord.ExpireTrips(ctx, time.Now().Add(11*time.Minute))
	got, err = f.store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)

	offers, err := f.engine.PendingOffers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, offers, "pending offers closed with the trip")
}

func TestAcceptedTripsNeverExpire(t *testing.T) {
	f := newFixture(t)
	f.addProvider("p1", models.CategoryDriverHire)
	ctx := context.Background()

	trip, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)
	f.accept(t, trip.ID, "p1")

	f.coord.ExpireTrips(ctx, time.Now().Add(24*time.Hour))
	got, err := f.store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAccepted, got.State)
}

func TestTripsForNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, _, err := f.coord.Create(ctx, hireRequest())
	require.NoError(t, err)

	trips, err := f.coord.TripsFor(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, second.ID, trips[0].ID)
	assert.Equal(t, first.ID, trips[1].ID)
}
