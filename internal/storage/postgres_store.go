package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, requester_id, category, vehicle_class,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, pickup_addr, dropoff_addr,
		window_start, window_end, note, state, provider_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.RequesterID, string(t.Category), t.VehicleClass,
		t.Pickup.Lat, t.Pickup.Lon, t.Dropoff.Lat, t.Dropoff.Lon, t.PickupAddr, t.DropoffAddr,
		nullTime(t.WindowStart), nullTime(t.WindowEnd), t.Note, string(t.State), nullStr(t.ProviderID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, tripSelect+` WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET state=$1, provider_id=$2, updated_at=$3 WHERE id=$4`,
		string(t.State), nullStr(t.ProviderID), time.Now(), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTripNotFound
	}
	return nil
}

func (p *PostgresStore) TripsByRequester(ctx context.Context, requesterID string) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, tripSelect+` WHERE requester_id=$1 ORDER BY created_at DESC`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (p *PostgresStore) TripsInState(ctx context.Context, s models.TripState) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, tripSelect+` WHERE state=$1`, string(s))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO offers(id, trip_id, provider_id, status, created_at, decided_at)
			VALUES($1,$2,$3,$4,$5,$6)`,
			o.ID, o.TripID, o.ProviderID, string(o.Status), o.CreatedAt, nullTime(o.DecidedAt)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := p.db.QueryRowContext(ctx, offerSelect+` WHERE id=$1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, o *models.Offer) error {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$1, decided_at=$2 WHERE id=$3`,
		string(o.Status), nullTime(o.DecidedAt), o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) OffersByTrip(ctx context.Context, tripID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, offerSelect+` WHERE trip_id=$1 ORDER BY created_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOffers(rows)
}

func (p *PostgresStore) PendingOffersByProvider(ctx context.Context, providerID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, offerSelect+` WHERE provider_id=$1 AND status='PENDING' ORDER BY created_at`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOffers(rows)
}

// CommitAssignment runs the compound accept transition in one transaction
// so a crash mid-way cannot leave a trip assigned without its siblings
// expired, or vice versa.
func (p *PostgresStore) CommitAssignment(ctx context.Context, t *models.Trip, won *models.Offer, expired []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE trips SET state=$1, provider_id=$2, updated_at=$3 WHERE id=$4`,
		string(t.State), nullStr(t.ProviderID), now, t.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status=$1, decided_at=$2 WHERE id=$3`,
		string(won.Status), nullTime(won.DecidedAt), won.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, o := range expired {
		if _, err := tx.ExecContext(ctx, `UPDATE offers SET status=$1, decided_at=$2 WHERE id=$3`,
			string(o.Status), nullTime(o.DecidedAt), o.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const tripSelect = `SELECT id, requester_id, category, vehicle_class,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, pickup_addr, dropoff_addr,
	window_start, window_end, note, state, provider_id, created_at, updated_at FROM trips`

const offerSelect = `SELECT id, trip_id, provider_id, status, created_at, decided_at FROM offers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(r rowScanner) (*models.Trip, error) {
	var t models.Trip
	var cat, state string
	var provider sql.NullString
	var ws, we sql.NullTime
	err := r.Scan(&t.ID, &t.RequesterID, &cat, &t.VehicleClass,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Dropoff.Lat, &t.Dropoff.Lon, &t.PickupAddr, &t.DropoffAddr,
		&ws, &we, &t.Note, &state, &provider, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Category = models.Category(cat)
	t.State = models.TripState(state)
	if provider.Valid {
		t.ProviderID = provider.String
	}
	if ws.Valid {
		t.WindowStart = ws.Time
	}
	if we.Valid {
		t.WindowEnd = we.Time
	}
	return &t, nil
}

func scanTrips(rows *sql.Rows) ([]models.Trip, error) {
	out := make([]models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanOffer(r rowScanner) (*models.Offer, error) {
	var o models.Offer
	var status string
	var decided sql.NullTime
	if err := r.Scan(&o.ID, &o.TripID, &o.ProviderID, &status, &o.CreatedAt, &decided); err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	if decided.Valid {
		o.DecidedAt = decided.Time
	}
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]models.Offer, error) {
	out := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
