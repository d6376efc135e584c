package pgship

import (
	"context"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) ListPings(ctx context.Context, trackerID uint64, limit, offset int) ([]*models.Ping, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, tracker_id, lat, lon, accuracy_m, speed_ms, heading_d, altitude_m,
  battery, charging, device_at, received_at
FROM pings
WHERE tracker_id = $1
ORDER BY received_at DESC
LIMIT $2 OFFSET $3
`, trackerID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select pings")
	}
	defer rows.Close()

	var out []*models.Ping
	for rows.Next() {
		var p models.Ping
		if err := rows.Scan(
			&p.ID, &p.TrackerID, &p.Lat, &p.Lon, &p.AccuracyM, &p.SpeedMS, &p.HeadingD, &p.AltitudeM,
			&p.Battery, &p.Charging, &p.DeviceAt, &p.ReceivedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan ping")
		}
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CountPings(ctx context.Context, trackerID uint64) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM pings WHERE tracker_id = $1`, trackerID).Scan(&n)
	return n, errors.Wrap(err, "count pings")
}
