package pgship

import (
	"context"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ListExpired returns shipment refs whose retention deadline has passed.
// Deadline is absolute, based on creation time: a COMPLETED shipment before
// its deadline never matches, a still-ACTIVE one past it always does.
func (s *Storage) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT shipment_ref
FROM shipment_trackers
WHERE retention_deadline <= $1
ORDER BY retention_deadline ASC
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired trackers")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "scan expired ref")
		}
		out = append(out, ref)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// PurgeShipment deletes pings, stops and the tracker of one shipment in a
// single transaction and writes the audit entry — the only survivor.
// Лок строки тот же, что у live-переходов: пинг и purge по одной отгрузке
// не пересекаются. An already-purged shipment is a no-op, not an error.
func (s *Storage) PurgeShipment(ctx context.Context, shipmentRef string, now time.Time) (*models.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var trackerID uint64
	err = tx.QueryRow(ctx, `
SELECT id FROM shipment_trackers
WHERE shipment_ref = $1 AND retention_deadline <= $2
FOR UPDATE
`, shipmentRef, now.UTC()).Scan(&trackerID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Уже вычищено (или дедлайн ещё не наступил) — идемпотентный выход.
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock tracker for purge")
	}

	pingsTag, err := tx.Exec(ctx, `DELETE FROM pings WHERE tracker_id = $1`, trackerID)
	if err != nil {
		return nil, errors.Wrap(err, "delete pings")
	}
	stopsTag, err := tx.Exec(ctx, `DELETE FROM delivery_stops WHERE tracker_id = $1`, trackerID)
	if err != nil {
		return nil, errors.Wrap(err, "delete stops")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM shipment_trackers WHERE id = $1`, trackerID); err != nil {
		return nil, errors.Wrap(err, "delete tracker")
	}

	entry := &models.AuditLogEntry{
		ShipmentRef:  shipmentRef,
		PingsDeleted: pingsTag.RowsAffected(),
		StopsDeleted: stopsTag.RowsAffected(),
		PurgedAt:     now.UTC(),
	}
	err = tx.QueryRow(ctx, `
INSERT INTO retention_audit_log (shipment_ref, pings_deleted, stops_deleted, purged_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`, entry.ShipmentRef, entry.PingsDeleted, entry.StopsDeleted, entry.PurgedAt).Scan(&entry.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert audit entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return entry, nil
}

// ExpireStaleConsent flips AWAITING_CONSENT trackers past their token
// expiry into EXPIRED and returns the affected refs. Пачка одним UPDATE:
// тут нет per-shipment инвариантов, которые требовали бы построчный лок.
func (s *Storage) ExpireStaleConsent(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
UPDATE shipment_trackers
SET status = $1, tracking_ended_at = $2, updated_at = now()
WHERE id IN (
    SELECT id FROM shipment_trackers
    WHERE status = $3 AND token_expiry IS NOT NULL AND token_expiry <= $2
    ORDER BY token_expiry ASC
    LIMIT $4
)
RETURNING shipment_ref
`, models.ShipmentExpired, now.UTC(), models.ShipmentAwaitingConsent, limit)
	if err != nil {
		return nil, errors.Wrap(err, "expire stale consent")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "scan expired consent ref")
		}
		out = append(out, ref)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListAuditEntries(ctx context.Context, limit, offset int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_ref, pings_deleted, stops_deleted, purged_at
FROM retention_audit_log
ORDER BY purged_at DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select audit entries")
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ShipmentRef, &e.PingsDeleted, &e.StopsDeleted, &e.PurgedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
