package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/route"
	"github.com/example/trip-dispatch/internal/storage"
)

// fakeOracle counts calls and can be switched into failure mode.
type fakeOracle struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeOracle) Route(ctx context.Context, from, to models.Coord) (route.Plan, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return route.Plan{}, errors.New("oracle down")
	}
	return route.Plan{
		Polyline:       []models.Coord{from, to},
		DistanceMeters: 4000,
		DurationSec:    600,
		FetchedAt:      time.Now(),
	}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestReconciler(t *testing.T) (*Reconciler, *storage.MemoryStore, *fakeOracle) {
	t.Helper()
	store := storage.NewMemoryStore()
	oracle := &fakeOracle{}
	r := NewReconciler(store, storage.NewKeyedMutex(), oracle, route.NewPlanCache(time.Minute, 0.001), discard(), 150, 250)
	return r, store, oracle
}

func seedAssigned(t *testing.T, store *storage.MemoryStore, cat models.Category) *models.Trip {
	t.Helper()
	trip := &models.Trip{
		ID: uuid.NewString(), RequesterID: "req-1", Category: cat, VehicleClass: "sedan",
		Pickup: models.Coord{Lat: 12.97, Lon: 77.59}, Dropoff: models.Coord{Lat: 12.93, Lon: 77.61},
		State: models.StateAccepted, ProviderID: "prov-1",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTrip(context.Background(), trip))
	return trip
}

func pos(lat, lon float64, at time.Time) models.Position {
	return models.Position{Lat: lat, Lon: lon, SpeedMps: 8, ReportedAt: at}
}

func TestReportRejectsWrongProvider(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)

	err := r.ReportPosition(context.Background(), trip.ID, "someone-else", pos(12.95, 77.58, time.Now()))
	require.ErrorIs(t, err, ErrNotAssignedProvider)
}

func TestReportRejectsUntrackableState(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	trip.State = models.StateSearching
	require.NoError(t, store.UpdateTrip(context.Background(), trip))

	err := r.ReportPosition(context.Background(), trip.ID, "prov-1", pos(12.95, 77.58, time.Now()))
	require.ErrorIs(t, err, ErrTripNotTrackable)
}

func TestReportAfterCancelFails(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()

	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.95, 77.58, time.Now())))

	trip.State = models.StateCancelled
	require.NoError(t, store.UpdateTrip(ctx, trip))
	r.Invalidate(trip.ID)

	err := r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.951, 77.581, time.Now()))
	require.ErrorIs(t, err, ErrTripNotTrackable)
}

func TestOutOfOrderReportIsNoOp(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()

	t0 := time.Now()
	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.950, 77.580, t0)))

	// retried duplicate from 5s earlier
	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.800, 77.400, t0.Add(-5*time.Second))))

	snap, err := r.CurrentView(ctx, trip.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Position)
	assert.Equal(t, 12.950, snap.Position.Lat)
	assert.True(t, snap.Position.ReportedAt.Equal(t0))
}

func TestProximityTransitionPerCategory(t *testing.T) {
	ctx := context.Background()

	r, store, _ := newTestReconciler(t)
	tow := seedAssigned(t, store, models.CategoryTow)
	// well within the 150m arrival radius of the pickup
	require.NoError(t, r.ReportPosition(ctx, tow.ID, "prov-1", pos(12.9701, 77.5901, time.Now())))
	got, err := store.GetTrip(ctx, tow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateArrived, got.State, "tow passes through ARRIVED")

	hire := seedAssigned(t, store, models.CategoryDriverHire)
	require.NoError(t, r.ReportPosition(ctx, hire.ID, "prov-1", pos(12.9701, 77.5901, time.Now())))
	got, err = store.GetTrip(ctx, hire.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, got.State, "driver hire skips ARRIVED")
}

func TestFarReportDoesNotTransition(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()

	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.90, 77.50, time.Now())))
	got, err := store.GetTrip(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAccepted, got.State)
}

func TestOracleFailureDegradesButKeepsTracking(t *testing.T) {
	r, store, oracle := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()
	oracle.fail.Store(true)

	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.90, 77.50, time.Now())),
		"oracle failure must not fail the report")

	snap, err := r.CurrentView(ctx, trip.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Position, "position recorded despite degraded route")
	assert.True(t, snap.RouteDegraded)
	assert.Empty(t, snap.Polyline)

	// oracle recovers on the next report
	oracle.fail.Store(false)
	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.901, 77.501, time.Now().Add(time.Second))))

	snap, err = r.CurrentView(ctx, trip.ID)
	require.NoError(t, err)
	assert.False(t, snap.RouteDegraded)
	assert.NotEmpty(t, snap.Polyline)
	assert.Equal(t, 600.0, snap.EtaSeconds)
}

func TestCurrentViewNeverCallsOracle(t *testing.T) {
	r, store, oracle := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()

	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.90, 77.50, time.Now())))
	before := oracle.calls.Load()
	for i := 0; i < 20; i++ {
		_, err := r.CurrentView(ctx, trip.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, before, oracle.calls.Load())
}

func TestNearbyReportReusesCachedPlan(t *testing.T) {
	r, store, oracle := newTestReconciler(t)
	trip := seedAssigned(t, store, models.CategoryDriverHire)
	ctx := context.Background()

	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.900000, 77.500000, time.Now())))
	first := oracle.calls.Load()
	require.Equal(t, int64(1), first)

	// ~20m away: same grid cell, on the cached polyline's start vertex
	require.NoError(t, r.ReportPosition(ctx, trip.ID, "prov-1", pos(12.900150, 77.500000, time.Now().Add(time.Second))))
	assert.Equal(t, first, oracle.calls.Load(), "no refetch while the cached plan holds")
}
