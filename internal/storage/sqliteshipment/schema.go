package sqliteshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ref_code TEXT NOT NULL UNIQUE,
  tracking_seq INTEGER NOT NULL CHECK (tracking_seq BETWEEN 1 AND 10000),
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL,
  destination_address TEXT NOT NULL,
  dest_lat REAL NOT NULL,
  dest_lon REAL NOT NULL,
  created_at INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipments_active_seq ON shipments(tracking_seq) WHERE status <> 'delivered'`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_seq_created_at ON shipments(tracking_seq, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_created_at ON shipments(created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS shipment_archive (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  shipment_id INTEGER NOT NULL,
  ref_code TEXT NOT NULL,
  tracking_seq INTEGER NOT NULL,
  tracking_number TEXT NOT NULL,
  status TEXT NOT NULL,
  destination_address TEXT NOT NULL,
  dest_lat REAL NOT NULL,
  dest_lon REAL NOT NULL,
  created_at INTEGER NOT NULL,
  archived_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_archive_ref_code ON shipment_archive(ref_code)`,
		`
CREATE TABLE IF NOT EXISTS location_pings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  shipment_ref TEXT NOT NULL,
  lat REAL NOT NULL,
  lon REAL NOT NULL,
  ts INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_location_pings_ref_ts ON location_pings(shipment_ref, ts DESC, id DESC)`,
		`
CREATE TABLE IF NOT EXISTS slot_ledger (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  pointer INTEGER NOT NULL CHECK (pointer BETWEEN 0 AND 10000)
)`,
		`INSERT OR IGNORE INTO slot_ledger (id, pointer) VALUES (1, 0)`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
