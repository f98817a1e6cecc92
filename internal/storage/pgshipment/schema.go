package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

const (
	activeSeqIndex    = "uq_shipments_active_seq"
	refCodeConstraint = "uq_shipments_ref_code"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  ref_code TEXT NOT NULL,
  tracking_seq INT NOT NULL CHECK (tracking_seq BETWEEN 1 AND 10000),
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL,
  destination_address TEXT NOT NULL,
  dest_lat DOUBLE PRECISION NOT NULL,
  dest_lon DOUBLE PRECISION NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_shipments_ref_code UNIQUE (ref_code)
)`,
		// At most one non-delivered shipment per slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipments_active_seq ON shipments(tracking_seq) WHERE status <> 'delivered'`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_seq_created_at ON shipments(tracking_seq, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_created_at ON shipments(created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS shipment_archive (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL,
  ref_code TEXT NOT NULL,
  tracking_seq INT NOT NULL,
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL,
  destination_address TEXT NOT NULL,
  dest_lat DOUBLE PRECISION NOT NULL,
  dest_lon DOUBLE PRECISION NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  archived_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_archive_ref_code ON shipment_archive(ref_code)`,
		`
CREATE TABLE IF NOT EXISTS location_pings (
  id BIGSERIAL PRIMARY KEY,
  shipment_ref TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lon DOUBLE PRECISION NOT NULL,
  ts TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_location_pings_ref_ts ON location_pings(shipment_ref, ts DESC, id DESC)`,
		`
CREATE TABLE IF NOT EXISTS slot_ledger (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  pointer INT NOT NULL CHECK (pointer BETWEEN 0 AND 10000)
)`,
		`INSERT INTO slot_ledger (id, pointer) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
