package sqliteshipment

import (
	"context"
	"database/sql"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) ListShipments(ctx context.Context) ([]*models.Shipment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shipmentColumns+` FROM shipments ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	defer rows.Close()

	out := make([]*models.Shipment, 0)
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE ref_code = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by ref")
	}
	return sh, nil
}

func (s *Storage) GetActiveShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRowContext(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE tracking_seq = ? AND status <> ?
ORDER BY created_at DESC, id DESC
LIMIT 1
`, seq, models.StatusDelivered))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active shipment by seq")
	}
	return sh, nil
}

// CountBySeq is used by tests and tooling to check the one-row-per-slot shape.
func (s *Storage) CountBySeq(ctx context.Context, seq int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shipments WHERE tracking_seq = ?`, seq).Scan(&n)
	return n, errors.Wrap(err, "count shipments by seq")
}

func (s *Storage) CountArchived(ctx context.Context, ref string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shipment_archive WHERE ref_code = ?`, ref).Scan(&n)
	return n, errors.Wrap(err, "count archived shipments")
}
