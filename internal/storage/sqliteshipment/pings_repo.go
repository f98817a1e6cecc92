package sqliteshipment

import (
	"context"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

// InsertPing assigns p.TS: at least the requested value and strictly after the
// previous ping of the same ref. One statement on the single connection, so it
// cannot interleave with another insert.
func (s *Storage) InsertPing(ctx context.Context, p *models.LocationPing) error {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO location_pings (shipment_ref, lat, lon, ts)
SELECT ?, ?, ?, MAX(?, COALESCE(MAX(ts) + 1000, 0))
FROM location_pings
WHERE shipment_ref = ?
RETURNING id, ts
`, p.ShipmentRef, p.Lat, p.Lon, toNanos(p.TS), p.ShipmentRef).Scan(&p.ID, &ts)
	if err != nil {
		return errors.Wrap(err, "insert location ping")
	}
	p.TS = fromNanos(ts)
	return nil
}

func (s *Storage) ListPings(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, shipment_ref, lat, lon, ts
FROM location_pings
WHERE shipment_ref = ?
ORDER BY ts DESC, id DESC
LIMIT ?
`, ref, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select location pings")
	}
	defer rows.Close()

	out := make([]*models.LocationPing, 0)
	for rows.Next() {
		var p models.LocationPing
		var ts int64
		if err := rows.Scan(&p.ID, &p.ShipmentRef, &p.Lat, &p.Lon, &ts); err != nil {
			return nil, errors.Wrap(err, "scan location ping")
		}
		p.TS = fromNanos(ts)
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
