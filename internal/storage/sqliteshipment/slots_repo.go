package sqliteshipment

import (
	"context"
	"database/sql"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

const shipmentColumns = `id, ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at`

type slotTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(r rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	var createdAt int64
	if err := r.Scan(
		&sh.ID, &sh.RefCode, &sh.TrackingSeq, &sh.TrackingNumber, &sh.Status,
		&sh.DestinationAddress, &sh.DestLat, &sh.DestLon, &createdAt,
	); err != nil {
		return nil, err
	}
	sh.CreatedAt = fromNanos(createdAt)
	return &sh, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (t *slotTx) ReadPointer(ctx context.Context) (int, error) {
	var ptr int
	err := t.tx.QueryRowContext(ctx, `SELECT pointer FROM slot_ledger WHERE id = 1`).Scan(&ptr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO slot_ledger (id, pointer) VALUES (1, 0)`); err != nil {
			return 0, errors.Wrap(err, "bootstrap slot ledger")
		}
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "select slot pointer")
	}
	return ptr, nil
}

func (t *slotTx) AdvancePointer(ctx context.Context, seq int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE slot_ledger SET pointer = ? WHERE id = 1`, seq)
	return errors.Wrap(err, "update slot pointer")
}

func (t *slotTx) IsSlotActive(ctx context.Context, seq int) (bool, error) {
	var active bool
	err := t.tx.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM shipments WHERE tracking_seq = ? AND status <> ?
)`, seq, models.StatusDelivered).Scan(&active)
	if err != nil {
		return false, errors.Wrap(err, "select active slot")
	}
	return active, nil
}

func (t *slotTx) ShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error) {
	sh, err := scanShipment(t.tx.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE ref_code = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by ref")
	}
	return sh, nil
}

func (t *slotTx) LatestShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error) {
	sh, err := scanShipment(t.tx.QueryRowContext(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE tracking_seq = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by seq")
	}
	return sh, nil
}

func (t *slotTx) InsertShipment(ctx context.Context, sh *models.Shipment) error {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO shipments (
  ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at
)
VALUES (?,?,?,?,?,?,?,?)
`, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, toNanos(sh.CreatedAt))
	if err != nil {
		return mapWriteErr(err, "insert shipment")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "last insert id")
	}
	sh.ID = uint64(id)
	return nil
}

func (t *slotTx) UpdateShipment(ctx context.Context, sh *models.Shipment) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE shipments
SET
  ref_code = ?,
  tracking_seq = ?,
  tracking_number = ?,
  status = ?,
  destination_address = ?,
  dest_lat = ?,
  dest_lon = ?,
  created_at = ?
WHERE id = ?
`, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, toNanos(sh.CreatedAt), sh.ID)
	if err != nil {
		return mapWriteErr(err, "update shipment")
	}
	return nil
}

func (t *slotTx) ArchiveShipment(ctx context.Context, sh *models.Shipment) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO shipment_archive (
  shipment_id, ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at, archived_at
)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, sh.ID, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, toNanos(sh.CreatedAt), toNanos(time.Now()))
	return errors.Wrap(err, "archive shipment")
}
