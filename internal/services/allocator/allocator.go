package allocator

import (
	"context"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

// Ledger is the part of a slot transaction the allocator needs.
type Ledger interface {
	ReadPointer(ctx context.Context) (int, error)
	AdvancePointer(ctx context.Context, seq int) error
	IsSlotActive(ctx context.Context, seq int) (bool, error)
}

// Allocator hands out slots from the ring [1, size] with a next-fit scan.
// It keeps no state of its own: the pointer lives in the Ledger, and callers
// must hold the ledger's serialization guard for the whole scan.
type Allocator struct {
	size int
}

func New() *Allocator {
	return &Allocator{size: models.MaxTrackingSeq}
}

// NewWithSize is for small rings in tests.
func NewWithSize(size int) *Allocator {
	if size <= 0 || size > models.MaxTrackingSeq {
		size = models.MaxTrackingSeq
	}
	return &Allocator{size: size}
}

func (a *Allocator) Size() int { return a.size }

func (a *Allocator) next(seq int) int {
	return seq%a.size + 1
}

// Allocate scans forward from the pointer, stops after one revolution and
// persists the chosen slot as the new pointer before returning it.
func (a *Allocator) Allocate(ctx context.Context, l Ledger) (int, error) {
	ptr, err := l.ReadPointer(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read pointer")
	}
	if ptr < 0 || ptr > a.size {
		ptr = 0
	}

	cand := ptr
	for probes := 0; probes < a.size; probes++ {
		cand = a.next(cand)
		active, err := l.IsSlotActive(ctx, cand)
		if err != nil {
			return 0, errors.Wrapf(err, "probe slot %d", cand)
		}
		if active {
			continue
		}
		if err := l.AdvancePointer(ctx, cand); err != nil {
			return 0, errors.Wrap(err, "advance pointer")
		}
		return cand, nil
	}
	return 0, models.ErrSeqExhausted
}

// Claim validates a caller-supplied slot with the same active check Allocate uses.
// The pointer is left where it is.
func (a *Allocator) Claim(ctx context.Context, l Ledger, seq int) error {
	if seq < models.MinTrackingSeq || seq > a.size {
		return errors.Wrapf(models.ErrSeqOutOfRange, "tracking_seq %d", seq)
	}
	active, err := l.IsSlotActive(ctx, seq)
	if err != nil {
		return errors.Wrapf(err, "probe slot %d", seq)
	}
	if active {
		return errors.Wrapf(models.ErrSlotInUse, "tracking_seq %d", seq)
	}
	return nil
}
