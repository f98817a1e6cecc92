package models

import "github.com/pkg/errors"

var (
	ErrMissingFields   = errors.New("missing required fields")
	ErrSeqOutOfRange   = errors.New("tracking_seq out of range")
	ErrSlotInUse       = errors.New("tracking slot is in use")
	ErrSeqExhausted    = errors.New("no free tracking slot")
	ErrGeocodeFailed   = errors.New("geocode failed")
	ErrNotFound        = errors.New("not found")
	ErrStorage         = errors.New("storage error")
	ErrRefCodeTaken    = errors.New("ref_code is bound to another slot")
	ErrInvalidLocation = errors.New("invalid location")
)

// StorageError carries a persistence failure that has no better classification.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsDomainError reports whether err already belongs to the taxonomy.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrMissingFields, ErrSeqOutOfRange, ErrSlotInUse, ErrSeqExhausted,
		ErrGeocodeFailed, ErrNotFound, ErrStorage, ErrRefCodeTaken, ErrInvalidLocation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
