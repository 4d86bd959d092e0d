package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/providers"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	ErrOfferNotFound       = errors.New("offer not found")
	ErrOfferAlreadyDecided = errors.New("offer already decided")
	ErrTripNotSearching    = errors.New("trip not searching")
)

// Engine owns offers from broadcast until one is accepted. It resolves the
// first-accept-wins race under the per-trip lock: exactly one Accept call
// for a trip observes success, every other concurrent caller gets
// ErrOfferAlreadyDecided or ErrTripNotSearching.
type Engine struct {
	Store    storage.TripStore
	Registry providers.Registry
	Locks    *storage.KeyedMutex
	Log      *slog.Logger

	TopN     int
	OfferTTL time.Duration

	// RebroadcastOnExhaustion controls what happens when the last pending
	// offer is rejected or expires: true re-broadcasts to the current
	// eligible set immediately (minus providers that already rejected),
	// false leaves the trip SEARCHING until the searching-TTL sweep.
	RebroadcastOnExhaustion bool
}

// CreateOffers broadcasts the trip to every eligible provider at once. No
// ranking: provider ordering policy lives outside the core.
//
// The caller persists the trip before calling this, without the trip lock
// held, so a cancel can land in between. Re-reading under the lock keeps a
// cancelled trip from ever growing pending offers.
func (e *Engine) CreateOffers(ctx context.Context, trip *models.Trip) ([]models.Offer, error) {
	unlock := e.Locks.Lock(trip.ID)
	defer unlock()

	cur, err := e.Store.GetTrip(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}
	if cur.State != models.StateSearching {
		return nil, ErrTripNotSearching
	}
	return e.broadcast(ctx, cur, nil)
}

func (e *Engine) broadcast(ctx context.Context, trip *models.Trip, exclude map[string]bool) ([]models.Offer, error) {
	topN := e.TopN
	if topN <= 0 {
		topN = 10
	}
	cands := e.Registry.Eligible(trip.Category, trip.VehicleClass, trip.Pickup, topN)
	now := time.Now()
	offers := make([]models.Offer, 0, len(cands))
	for _, p := range cands {
		if exclude[p.ID] {
			continue
		}
		offers = append(offers, models.Offer{
			ID:         uuid.NewString(),
			TripID:     trip.ID,
			ProviderID: p.ID,
			Status:     models.OfferPending,
			CreatedAt:  now,
		})
	}
	if len(offers) == 0 {
		e.Log.Info("no eligible providers", "trip_id", trip.ID, "category", trip.Category)
		return nil, nil
	}
	if err := e.Store.CreateOffers(ctx, offers); err != nil {
		return nil, fmt.Errorf("create offers: %w", err)
	}
	observability.OffersCreated.Add(float64(len(offers)))
	e.Log.Info("offers broadcast", "trip_id", trip.ID, "count", len(offers))
	return offers, nil
}

// Accept performs the compound transition: target offer ACCEPTED, sibling
// pending offers EXPIRED, trip ACCEPTED with the winner recorded, all in one
// store commit under the trip lock.
func (e *Engine) Accept(ctx context.Context, offerID, providerID string) (models.Assignment, error) {
	o, err := e.loadOffer(ctx, offerID)
	if err != nil {
		return models.Assignment{}, err
	}
	if o.ProviderID != providerID {
		// another provider's offer is invisible to this caller
		return models.Assignment{}, ErrOfferNotFound
	}

	unlock := e.Locks.Lock(o.TripID)
	defer unlock()

	// re-read both records now that we hold the lock
	o, err = e.loadOffer(ctx, offerID)
	if err != nil {
		return models.Assignment{}, err
	}
	if o.Status != models.OfferPending {
		observability.AcceptConflicts.Inc()
		return models.Assignment{}, ErrOfferAlreadyDecided
	}
	trip, err := e.Store.GetTrip(ctx, o.TripID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load trip: %w", err)
	}
	if trip.State != models.StateSearching {
		observability.AcceptConflicts.Inc()
		return models.Assignment{}, ErrTripNotSearching
	}

	now := time.Now()
	won := *o
	won.Status = models.OfferAccepted
	won.DecidedAt = now

	siblings, err := e.Store.OffersByTrip(ctx, trip.ID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load siblings: %w", err)
	}
	expired := make([]models.Offer, 0, len(siblings))
	for _, s := range siblings {
		if s.ID == won.ID || s.Status != models.OfferPending {
			continue
		}
		s.Status = models.OfferExpired
		s.DecidedAt = now
		expired = append(expired, s)
	}

	trip.State = models.StateAccepted
	trip.ProviderID = providerID

	if err := e.Store.CommitAssignment(ctx, trip, &won, expired); err != nil {
		return models.Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	observability.AcceptWins.Inc()
	e.Log.Info("trip assigned", "trip_id", trip.ID, "provider_id", providerID, "siblings_expired", len(expired))
	return models.Assignment{TripID: trip.ID, OfferID: won.ID, ProviderID: providerID}, nil
}

// Reject marks the offer REJECTED. A trip whose last pending offer was
// rejected stays SEARCHING; depending on configuration it is immediately
// re-broadcast or left for the expiry sweep.
func (e *Engine) Reject(ctx context.Context, offerID, providerID string) error {
	o, err := e.loadOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if o.ProviderID != providerID {
		return ErrOfferNotFound
	}

	unlock := e.Locks.Lock(o.TripID)
	defer unlock()

	o, err = e.loadOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if o.Status != models.OfferPending {
		return ErrOfferAlreadyDecided
	}
	o.Status = models.OfferRejected
	o.DecidedAt = time.Now()
	if err := e.Store.UpdateOffer(ctx, o); err != nil {
		return fmt.Errorf("update offer: %w", err)
	}
	e.Log.Info("offer rejected", "trip_id", o.TripID, "offer_id", o.ID, "provider_id", providerID)

	return e.maybeRebroadcast(ctx, o.TripID)
}

// maybeRebroadcast runs under the trip lock.
func (e *Engine) maybeRebroadcast(ctx context.Context, tripID string) error {
	if !e.RebroadcastOnExhaustion {
		return nil
	}
	trip, err := e.Store.GetTrip(ctx, tripID)
	if err != nil || trip.State != models.StateSearching {
		return nil
	}
	all, err := e.Store.OffersByTrip(ctx, tripID)
	if err != nil {
		return nil
	}
	exclude := make(map[string]bool)
	for _, o := range all {
		if o.Status == models.OfferPending {
			return nil // not exhausted yet
		}
		// providers that already saw this trip do not get it again
		exclude[o.ProviderID] = true
	}
	_, err = e.broadcast(ctx, trip, exclude)
	return err
}

// ExpireOffers moves pending offers past the offer TTL to EXPIRED so the
// next broadcast can reach a fresh eligible set without waiting for the
// whole trip to time out. Invoked by the janitor ticker.
func (e *Engine) ExpireOffers(ctx context.Context, now time.Time) {
	trips, err := e.Store.TripsInState(ctx, models.StateSearching)
	if err != nil {
		e.Log.Error("expire offers: list searching trips", "error", err)
		return
	}
	cutoff := now.Add(-e.OfferTTL)
	for _, t := range trips {
		e.expireTripOffers(ctx, t.ID, cutoff)
	}
}

func (e *Engine) expireTripOffers(ctx context.Context, tripID string, cutoff time.Time) {
	unlock := e.Locks.Lock(tripID)
	defer unlock()

	offers, err := e.Store.OffersByTrip(ctx, tripID)
	if err != nil {
		return
	}
	expired := 0
	for _, o := range offers {
		if o.Status != models.OfferPending || o.CreatedAt.After(cutoff) {
			continue
		}
		o.Status = models.OfferExpired
		o.DecidedAt = time.Now()
		if err := e.Store.UpdateOffer(ctx, &o); err != nil {
			e.Log.Error("expire offer", "offer_id", o.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		observability.OffersExpired.Add(float64(expired))
		_ = e.maybeRebroadcast(ctx, tripID)
	}
}

// loadOffer translates the store's missing-row sentinel but lets real
// store failures through, so an outage does not masquerade as a 404.
func (e *Engine) loadOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	o, err := e.Store.GetOffer(ctx, offerID)
	if errors.Is(err, storage.ErrOfferNotFound) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load offer: %w", err)
	}
	return o, nil
}

// PendingOffers lists the provider's open offers, oldest first.
func (e *Engine) PendingOffers(ctx context.Context, providerID string) ([]models.Offer, error) {
	return e.Store.PendingOffersByProvider(ctx, providerID)
}
