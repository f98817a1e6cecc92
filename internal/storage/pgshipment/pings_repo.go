package pgshipment

import (
	"context"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// pingLockClass is the first key of the per-ref pg_advisory_xact_lock(int, int)
// taken around a ping insert.
const pingLockClass int32 = 0x4c4f43

// InsertPing assigns p.TS: at least the requested value and strictly after the
// previous ping of the same ref, whichever process wrote it.
func (s *Storage) InsertPing(ctx context.Context, p *models.LocationPing) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, pingLockClass, p.ShipmentRef); err != nil {
		return errors.Wrap(err, "ping lock")
	}

	err = tx.QueryRow(ctx, `
INSERT INTO location_pings (shipment_ref, lat, lon, ts)
SELECT $1::text, $2::float8, $3::float8, GREATEST($4::timestamptz, COALESCE(MAX(ts) + interval '1 microsecond', $4::timestamptz))
FROM location_pings
WHERE shipment_ref = $1
RETURNING id, ts
`, p.ShipmentRef, p.Lat, p.Lon, p.TS.UTC()).Scan(&p.ID, &p.TS)
	if err != nil {
		return errors.Wrap(err, "insert location ping")
	}
	p.TS = p.TS.UTC()

	return errors.Wrap(tx.Commit(ctx), "commit ping")
}

func (s *Storage) ListPings(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_ref, lat, lon, ts
FROM location_pings
WHERE shipment_ref = $1
ORDER BY ts DESC, id DESC
LIMIT $2
`, ref, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select location pings")
	}
	defer rows.Close()

	out := make([]*models.LocationPing, 0)
	for rows.Next() {
		var p models.LocationPing
		if err := rows.Scan(&p.ID, &p.ShipmentRef, &p.Lat, &p.Lon, &p.TS); err != nil {
			return nil, errors.Wrap(err, "scan location ping")
		}
		p.TS = p.TS.UTC()
		out = append(out, &p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
