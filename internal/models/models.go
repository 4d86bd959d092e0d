package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the coordinate was never set. (0,0) is open ocean
// and is not a serviceable point for any category we handle.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Category selects the kind of transport being requested. It drives both
// the geofence policy and the progress-transition subset.
type Category string

const (
	CategoryDriverHire Category = "DRIVER_HIRE"
	CategoryTow        Category = "TOW"
	CategoryOutstation Category = "OUTSTATION"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDriverHire, CategoryTow, CategoryOutstation:
		return true
	}
	return false
}

// UsesArrived reports whether the category passes through ARRIVED before
// completion. Tow operators reach the stranded vehicle first; hires and
// outstation trips go straight to IN_PROGRESS.
func (c Category) UsesArrived() bool { return c == CategoryTow }

type TripState string

const (
	StateSearching  TripState = "SEARCHING"
	StateAccepted   TripState = "ACCEPTED"
	StateInProgress TripState = "IN_PROGRESS"
	StateArrived    TripState = "ARRIVED"
	StateCompleted  TripState = "COMPLETED"
	StateCancelled  TripState = "CANCELLED"
	StateExpired    TripState = "EXPIRED"
)

func (s TripState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

// Trackable states are the only ones in which the assigned provider may
// report positions.
func (s TripState) Trackable() bool {
	return s == StateAccepted || s == StateInProgress || s == StateArrived
}

// Trip is one logical transport request. Fields other than State, ProviderID
// and UpdatedAt are immutable after creation; all mutation goes through the
// lifecycle coordinator under the per-trip lock.
type Trip struct {
	ID           string    `json:"id"`
	RequesterID  string    `json:"requester_id"`
	Category     Category  `json:"category"`
	VehicleClass string    `json:"vehicle_class"`
	Pickup       Coord     `json:"pickup"`
	Dropoff      Coord     `json:"dropoff"`
	PickupAddr   string    `json:"pickup_addr,omitempty"`
	DropoffAddr  string    `json:"dropoff_addr,omitempty"`
	WindowStart  time.Time `json:"window_start,omitempty"`
	WindowEnd    time.Time `json:"window_end,omitempty"`
	Note         string    `json:"note,omitempty"`
	State        TripState `json:"state"`
	ProviderID   string    `json:"provider_id,omitempty"` // winning assignee, set on ACCEPTED
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// Offer proposes a trip to one specific provider. At most one offer per trip
// ever reaches ACCEPTED; the dispatch engine expires the rest in the same
// step that accepts the winner.
type Offer struct {
	ID         string      `json:"id"`
	TripID     string      `json:"trip_id"`
	ProviderID string      `json:"provider_id"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	DecidedAt  time.Time   `json:"decided_at,omitempty"`
}

// Assignment is what a winning Accept returns.
type Assignment struct {
	TripID     string `json:"trip_id"`
	OfferID    string `json:"offer_id"`
	ProviderID string `json:"provider_id"`
}

// Position is the latest report from the assigned provider for one trip.
// Only the newest report is retained; ReportedAt orders retried deliveries.
type Position struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    float64   `json:"heading"`
	SpeedMps   float64   `json:"speed_mps"`
	ReportedAt time.Time `json:"reported_at"`
}

// Provider describes a service provider as the dispatch engine sees it:
// what it can serve and whether it is currently taking work.
type Provider struct {
	ID           string     `json:"id"`
	VehicleClass string     `json:"vehicle_class"`
	Categories   []Category `json:"categories"`
	Loc          Coord      `json:"loc"`
	Available    bool       `json:"available"`
	Updated      time.Time  `json:"updated"`
}

func (p Provider) Serves(c Category) bool {
	for _, pc := range p.Categories {
		if pc == c {
			return true
		}
	}
	return false
}

// PositionReport is the wire shape published to Kafka and posted to the
// tracking endpoint.
type PositionReport struct {
	TripID     string    `json:"trip_id"`
	ProviderID string    `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    float64   `json:"heading"`
	SpeedMps   float64   `json:"speed_mps"`
	ReportedAt time.Time `json:"reported_at"`
}
