package pgshipment

import (
	"context"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `id, ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at`

type slotTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(r rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	if err := r.Scan(
		&sh.ID, &sh.RefCode, &sh.TrackingSeq, &sh.TrackingNumber, &sh.Status,
		&sh.DestinationAddress, &sh.DestLat, &sh.DestLon, &sh.CreatedAt,
	); err != nil {
		return nil, err
	}
	sh.CreatedAt = sh.CreatedAt.UTC()
	return &sh, nil
}

func (t *slotTx) ReadPointer(ctx context.Context) (int, error) {
	var ptr int
	err := t.tx.QueryRow(ctx, `SELECT pointer FROM slot_ledger WHERE id = 1 FOR UPDATE`).Scan(&ptr)
	if errors.Is(err, pgx.ErrNoRows) {
		// ledger wiped after startup: bootstrap it again
		if _, err := t.tx.Exec(ctx, `INSERT INTO slot_ledger (id, pointer) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
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
	_, err := t.tx.Exec(ctx, `UPDATE slot_ledger SET pointer = $1 WHERE id = 1`, seq)
	return errors.Wrap(err, "update slot pointer")
}

func (t *slotTx) IsSlotActive(ctx context.Context, seq int) (bool, error) {
	var active bool
	err := t.tx.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM shipments WHERE tracking_seq = $1 AND status <> $2
)`, seq, models.StatusDelivered).Scan(&active)
	if err != nil {
		return false, errors.Wrap(err, "select active slot")
	}
	return active, nil
}

func (t *slotTx) ShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error) {
	sh, err := scanShipment(t.tx.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE ref_code = $1 FOR UPDATE`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by ref")
	}
	return sh, nil
}

func (t *slotTx) LatestShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error) {
	sh, err := scanShipment(t.tx.QueryRow(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE tracking_seq = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
FOR UPDATE`, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by seq")
	}
	return sh, nil
}

func (t *slotTx) InsertShipment(ctx context.Context, sh *models.Shipment) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO shipments (
  ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id
`, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, sh.CreatedAt.UTC()).Scan(&sh.ID)
	if err != nil {
		return mapWriteErr(err, "insert shipment")
	}
	return nil
}

func (t *slotTx) UpdateShipment(ctx context.Context, sh *models.Shipment) error {
	_, err := t.tx.Exec(ctx, `
UPDATE shipments
SET
  ref_code = $2,
  tracking_seq = $3,
  tracking_number = $4,
  status = $5,
  destination_address = $6,
  dest_lat = $7,
  dest_lon = $8,
  created_at = $9
WHERE id = $1
`, sh.ID, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, sh.CreatedAt.UTC())
	if err != nil {
		return mapWriteErr(err, "update shipment")
	}
	return nil
}

func (t *slotTx) ArchiveShipment(ctx context.Context, sh *models.Shipment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO shipment_archive (
  shipment_id, ref_code, tracking_seq, tracking_number, status,
  destination_address, dest_lat, dest_lon, created_at, archived_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, sh.ID, sh.RefCode, sh.TrackingSeq, sh.TrackingNumber, sh.Status,
		sh.DestinationAddress, sh.DestLat, sh.DestLon, sh.CreatedAt.UTC(), time.Now().UTC())
	return errors.Wrap(err, "archive shipment")
}
