package pgship

import (
	"context"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const trackerColumns = `
  id, shipment_ref, token, token_expiry, status,
  consent, consent_at, consent_ip, consent_user_agent,
  tracking_started_at, tracking_ended_at, last_ping_at, nearest_distance_m,
  route_proof_ref, cancel_reason,
  created_at, retention_deadline, updated_at`

const stopColumns = `
  id, tracker_id, order_ref, customer_name, address, city, sequence,
  lat, lon, geocoded_at, geocode_error, status, fail_reason,
  proof_ref, proof_lat, proof_lon, proof_at, confirm_distance_m,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(row rowScanner) (*models.ShipmentTracker, error) {
	var t models.ShipmentTracker
	var status string
	if err := row.Scan(
		&t.ID, &t.ShipmentRef, &t.Token, &t.TokenExpiry, &status,
		&t.Consent, &t.ConsentAt, &t.ConsentIP, &t.ConsentUserAgent,
		&t.TrackingStartedAt, &t.TrackingEndedAt, &t.LastPingAt, &t.NearestDistanceM,
		&t.RouteProofRef, &t.CancelReason,
		&t.CreatedAt, &t.RetentionDeadline, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = models.ShipmentStatus(status)
	return &t, nil
}

func scanStop(row rowScanner) (*models.DeliveryStop, error) {
	var d models.DeliveryStop
	var status string
	if err := row.Scan(
		&d.ID, &d.TrackerID, &d.OrderRef, &d.CustomerName, &d.Address, &d.City, &d.Sequence,
		&d.Lat, &d.Lon, &d.GeocodedAt, &d.GeocodeError, &status, &d.FailReason,
		&d.ProofRef, &d.ProofLat, &d.ProofLon, &d.ProofAt, &d.ConfirmDistanceM,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = models.StopStatus(status)
	return &d, nil
}

// CreateTracker inserts the aggregate and its stops in one transaction.
// A second tracker for the same shipment is a domain conflict.
func (s *Storage) CreateTracker(ctx context.Context, t *models.ShipmentTracker, stops []*models.DeliveryStop) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
INSERT INTO shipment_trackers (
  shipment_ref, token, token_expiry, status,
  created_at, retention_deadline, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$5)
RETURNING id
`, t.ShipmentRef, t.Token, t.TokenExpiry, string(t.Status), t.CreatedAt, t.RetentionDeadline).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, nil, models.ErrAlreadyTracked
		}
		return nil, nil, errors.Wrap(err, "insert tracker")
	}

	for _, d := range stops {
		d.TrackerID = t.ID
		err := tx.QueryRow(ctx, `
INSERT INTO delivery_stops (
  tracker_id, order_ref, customer_name, address, city, sequence,
  status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
RETURNING id
`, d.TrackerID, d.OrderRef, d.CustomerName, d.Address, d.City, d.Sequence,
			string(d.Status), d.CreatedAt).Scan(&d.ID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "insert stop")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return t, stops, nil
}

func (s *Storage) GetTrackerByRef(ctx context.Context, shipmentRef string) (*models.ShipmentTracker, error) {
	t, err := scanTracker(s.db.QueryRow(ctx,
		`SELECT `+trackerColumns+` FROM shipment_trackers WHERE shipment_ref = $1`, shipmentRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracker by ref")
	}
	return t, nil
}

func (s *Storage) GetTrackerByToken(ctx context.Context, token string) (*models.ShipmentTracker, error) {
	t, err := scanTracker(s.db.QueryRow(ctx,
		`SELECT `+trackerColumns+` FROM shipment_trackers WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracker by token")
	}
	return t, nil
}

func (s *Storage) ListStops(ctx context.Context, trackerID uint64) ([]*models.DeliveryStop, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+stopColumns+` FROM delivery_stops WHERE tracker_id = $1 ORDER BY sequence ASC NULLS LAST, id ASC`, trackerID)
	if err != nil {
		return nil, errors.Wrap(err, "select stops")
	}
	defer rows.Close()

	var out []*models.DeliveryStop
	for rows.Next() {
		d, err := scanStop(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stop")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateStopGeocode writes geocoding outcome outside of any tracker lock;
// geocoding must never hold the aggregate row while waiting on network.
func (s *Storage) UpdateStopGeocode(ctx context.Context, stopID uint64, d *models.DeliveryStop) error {
	_, err := s.db.Exec(ctx, `
UPDATE delivery_stops
SET lat = $2, lon = $3, geocoded_at = $4, geocode_error = $5, updated_at = now()
WHERE id = $1
`, stopID, d.Lat, d.Lon, d.GeocodedAt, d.GeocodeError)
	return errors.Wrap(err, "update stop geocode")
}

// Mutation is what a state-machine callback asks the storage to persist
// besides the (always saved) tracker row.
type Mutation struct {
	ChangedStops []*models.DeliveryStop
	NewPing      *models.Ping
}

type MutateFunc func(t *models.ShipmentTracker, stops []*models.DeliveryStop) (Mutation, error)

// MutateByToken serializes one transition for one shipment: the aggregate
// row is taken FOR UPDATE, the callback runs the in-memory state machine,
// the result is saved, all in one transaction. Разные отгрузки друг друга
// не блокируют — лок построчный.
func (s *Storage) MutateByToken(ctx context.Context, token string, fn MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	return s.mutate(ctx, `SELECT `+trackerColumns+` FROM shipment_trackers WHERE token = $1 FOR UPDATE`, token, fn)
}

func (s *Storage) MutateByRef(ctx context.Context, shipmentRef string, fn MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	return s.mutate(ctx, `SELECT `+trackerColumns+` FROM shipment_trackers WHERE shipment_ref = $1 FOR UPDATE`, shipmentRef, fn)
}

func (s *Storage) mutate(ctx context.Context, lockQuery, arg string, fn MutateFunc) (*models.ShipmentTracker, []*models.DeliveryStop, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTracker(tx.QueryRow(ctx, lockQuery, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "lock tracker")
	}

	rows, err := tx.Query(ctx,
		`SELECT `+stopColumns+` FROM delivery_stops WHERE tracker_id = $1 ORDER BY sequence ASC NULLS LAST, id ASC`, t.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "select stops")
	}
	var stops []*models.DeliveryStop
	for rows.Next() {
		d, err := scanStop(rows)
		if err != nil {
			rows.Close()
			return nil, nil, errors.Wrap(err, "scan stop")
		}
		stops = append(stops, d)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, nil, errors.Wrap(rows.Err(), "rows")
	}

	mut, err := fn(t, stops)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.Exec(ctx, `
UPDATE shipment_trackers
SET
  status = $2,
  consent = $3, consent_at = $4, consent_ip = $5, consent_user_agent = $6,
  tracking_started_at = $7, tracking_ended_at = $8,
  last_ping_at = $9, nearest_distance_m = $10,
  route_proof_ref = $11, cancel_reason = $12,
  updated_at = now()
WHERE id = $1
`, t.ID, string(t.Status),
		t.Consent, t.ConsentAt, t.ConsentIP, t.ConsentUserAgent,
		t.TrackingStartedAt, t.TrackingEndedAt,
		t.LastPingAt, t.NearestDistanceM,
		t.RouteProofRef, t.CancelReason)
	if err != nil {
		return nil, nil, errors.Wrap(err, "update tracker")
	}

	for _, d := range mut.ChangedStops {
		_, err = tx.Exec(ctx, `
UPDATE delivery_stops
SET
  status = $2, fail_reason = $3,
  proof_ref = $4, proof_lat = $5, proof_lon = $6, proof_at = $7,
  confirm_distance_m = $8,
  updated_at = now()
WHERE id = $1
`, d.ID, string(d.Status), d.FailReason, d.ProofRef, d.ProofLat, d.ProofLon, d.ProofAt, d.ConfirmDistanceM)
		if err != nil {
			return nil, nil, errors.Wrap(err, "update stop")
		}
	}

	if p := mut.NewPing; p != nil {
		p.TrackerID = t.ID
		err = tx.QueryRow(ctx, `
INSERT INTO pings (
  tracker_id, lat, lon, accuracy_m, speed_ms, heading_d, altitude_m,
  battery, charging, device_at, received_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id
`, p.TrackerID, p.Lat, p.Lon, p.AccuracyM, p.SpeedMS, p.HeadingD, p.AltitudeM,
			p.Battery, p.Charging, p.DeviceAt, p.ReceivedAt).Scan(&p.ID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "insert ping")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "commit tx")
	}
	return t, stops, nil
}
