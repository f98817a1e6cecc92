package pgshipment

import (
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

func mapWriteErr(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case activeSeqIndex:
			return errors.Wrap(models.ErrSlotInUse, msg)
		case refCodeConstraint:
			return errors.Wrap(models.ErrRefCodeTaken, msg)
		}
	}
	return errors.Wrap(err, msg)
}
