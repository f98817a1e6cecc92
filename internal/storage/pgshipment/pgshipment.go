package pgshipment

import (
	"context"

	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// slotLockKey is the pg_advisory_xact_lock key shared by every slot transaction.
const slotLockKey int64 = 0x5348_5054

var (
	_ storage.ShipmentStore = (*Storage)(nil)
	_ storage.PingStore     = (*Storage)(nil)
	_ storage.SlotTx        = (*slotTx)(nil)
)

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}
	if err := db.Ping(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// WithSlotLock держит advisory lock до конца транзакции: скан слотов и запись
// строки shipments видят согласованное состояние и не гонятся друг с другом.
func (s *Storage) WithSlotLock(ctx context.Context, fn func(ctx context.Context, tx storage.SlotTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, slotLockKey); err != nil {
		return errors.Wrap(err, "slot lock")
	}

	if err := fn(ctx, &slotTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteErr(err, "commit tx")
	}
	return nil
}
