package sqliteshipment

import (
	"strings"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func mapWriteErr(err error, msg string) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		text := se.Error()
		switch {
		case strings.Contains(text, "shipments.tracking_seq"):
			return errors.Wrap(models.ErrSlotInUse, msg)
		case strings.Contains(text, "shipments.ref_code"):
			return errors.Wrap(models.ErrRefCodeTaken, msg)
		}
	}
	return errors.Wrap(err, msg)
}
