package pgship

import (
	"context"

	"github.com/pkg/errors"
)

// No ON DELETE CASCADE here: the retention purge deletes children before
// the parent explicitly, the ordering is part of its contract.
func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipment_trackers (
  id BIGSERIAL PRIMARY KEY,
  shipment_ref TEXT NOT NULL,
  token TEXT NOT NULL,
  token_expiry TIMESTAMPTZ NULL,
  status TEXT NOT NULL,
  consent BOOLEAN NOT NULL DEFAULT FALSE,
  consent_at TIMESTAMPTZ NULL,
  consent_ip TEXT NULL,
  consent_user_agent TEXT NULL,
  tracking_started_at TIMESTAMPTZ NULL,
  tracking_ended_at TIMESTAMPTZ NULL,
  last_ping_at TIMESTAMPTZ NULL,
  nearest_distance_m DOUBLE PRECISION NULL,
  route_proof_ref TEXT NULL,
  cancel_reason TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  retention_deadline TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (shipment_ref),
  UNIQUE (token)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_trackers_retention_deadline ON shipment_trackers(retention_deadline)`,
		`
CREATE TABLE IF NOT EXISTS delivery_stops (
  id BIGSERIAL PRIMARY KEY,
  tracker_id BIGINT NOT NULL REFERENCES shipment_trackers(id),
  order_ref TEXT NOT NULL,
  customer_name TEXT NOT NULL,
  address TEXT NOT NULL,
  city TEXT NOT NULL DEFAULT '',
  sequence INT NULL,
  lat DOUBLE PRECISION NULL,
  lon DOUBLE PRECISION NULL,
  geocoded_at TIMESTAMPTZ NULL,
  geocode_error TEXT NULL,
  status TEXT NOT NULL,
  fail_reason TEXT NULL,
  proof_ref TEXT NULL,
  proof_lat DOUBLE PRECISION NULL,
  proof_lon DOUBLE PRECISION NULL,
  proof_at TIMESTAMPTZ NULL,
  confirm_distance_m DOUBLE PRECISION NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_stops_tracker_id ON delivery_stops(tracker_id)`,
		`
CREATE TABLE IF NOT EXISTS pings (
  id BIGSERIAL PRIMARY KEY,
  tracker_id BIGINT NOT NULL REFERENCES shipment_trackers(id),
  lat DOUBLE PRECISION NOT NULL,
  lon DOUBLE PRECISION NOT NULL,
  accuracy_m DOUBLE PRECISION NULL,
  speed_ms DOUBLE PRECISION NULL,
  heading_d DOUBLE PRECISION NULL,
  altitude_m DOUBLE PRECISION NULL,
  battery DOUBLE PRECISION NULL,
  charging BOOLEAN NULL,
  device_at TIMESTAMPTZ NULL,
  received_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_pings_tracker_id_received_at ON pings(tracker_id, received_at)`,
		`
CREATE TABLE IF NOT EXISTS retention_audit_log (
  id BIGSERIAL PRIMARY KEY,
  shipment_ref TEXT NOT NULL,
  pings_deleted BIGINT NOT NULL,
  stops_deleted BIGINT NOT NULL,
  purged_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_retention_audit_log_purged_at ON retention_audit_log(purged_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
