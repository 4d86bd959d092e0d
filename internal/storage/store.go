package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrTripNotFound  = errors.New("trip not found")
	ErrOfferNotFound = errors.New("offer not found")
)

// TripStore defines persistence for trips and offers. It is the single
// source of truth; callers serialize per-trip mutation through a KeyedMutex,
// the store only guarantees that CommitAssignment is all-or-nothing.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
	TripsByRequester(ctx context.Context, requesterID string) ([]models.Trip, error)
	TripsInState(ctx context.Context, s models.TripState) ([]models.Trip, error)

	CreateOffers(ctx context.Context, offers []models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	UpdateOffer(ctx context.Context, o *models.Offer) error
	OffersByTrip(ctx context.Context, tripID string) ([]models.Offer, error)
	PendingOffersByProvider(ctx context.Context, providerID string) ([]models.Offer, error)

	// CommitAssignment persists the compound accept transition: the trip
	// moves to ACCEPTED with its assignee, the winning offer to ACCEPTED,
	// and every sibling in expired to EXPIRED, atomically.
	CommitAssignment(ctx context.Context, t *models.Trip, won *models.Offer, expired []models.Offer) error
}

// MemoryStore is the in-process TripStore used for tests and single-node
// runs without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]models.Trip
	offers map[string]models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip), offers: make(map[string]models.Offer)}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrTripNotFound
	}
	t.UpdatedAt = time.Now()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) TripsByRequester(ctx context.Context, requesterID string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.RequesterID == requesterID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TripsInState(ctx context.Context, s models.TripState) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.State == s {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		m.offers[o.ID] = o
	}
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) UpdateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStore) OffersByTrip(ctx context.Context, tripID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if o.TripID == tripID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PendingOffersByProvider(ctx context.Context, providerID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if o.ProviderID == providerID && o.Status == models.OfferPending {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CommitAssignment(ctx context.Context, t *models.Trip, won *models.Offer, expired []models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrTripNotFound
	}
	if _, ok := m.offers[won.ID]; !ok {
		return ErrOfferNotFound
	}
	t.UpdatedAt = time.Now()
	m.trips[t.ID] = *t
	m.offers[won.ID] = *won
	for _, o := range expired {
		m.offers[o.ID] = o
	}
	return nil
}
