// Package sqliteshipment is the single-node store: one SQLite file, one
// connection, slot transactions serialized by a process mutex.
package sqliteshipment

import (
	"context"
	"database/sql"
	"sync"

	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	_ storage.ShipmentStore = (*Storage)(nil)
	_ storage.PingStore     = (*Storage)(nil)
	_ storage.SlotTx        = (*slotTx)(nil)
)

type Storage struct {
	db *sql.DB

	slotMu sync.Mutex
}

// New opens or creates the database at path; an empty path means in-memory.
func New(path string) (*Storage, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps :memory: databases alive and writes serialized.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Storage) WithSlotLock(ctx context.Context, fn func(ctx context.Context, tx storage.SlotTx) error) error {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &slotTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapWriteErr(err, "commit tx")
	}
	return nil
}
