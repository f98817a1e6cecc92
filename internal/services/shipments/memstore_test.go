package shipments

import (
	"context"
	"sort"
	"sync"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/storage"
)

// memStore is a ShipmentStore with the same one-writer semantics as the real
// stores. A failing fn restores the state it started from.
type memStore struct {
	mu      sync.Mutex
	pointer int
	rows    []*models.Shipment
	archive []*models.Shipment
	nextID  uint64

	listErr error
}

func newMemStore() *memStore { return &memStore{} }

func clone(sh *models.Shipment) *models.Shipment {
	c := *sh
	return &c
}

func (m *memStore) WithSlotLock(ctx context.Context, fn func(ctx context.Context, tx storage.SlotTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	savedPtr, savedID := m.pointer, m.nextID
	savedRows := make([]*models.Shipment, len(m.rows))
	for i, r := range m.rows {
		savedRows[i] = clone(r)
	}
	savedArchive := append([]*models.Shipment(nil), m.archive...)

	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.pointer, m.nextID, m.rows, m.archive = savedPtr, savedID, savedRows, savedArchive
		return err
	}
	return nil
}

func (m *memStore) ListShipments(ctx context.Context) ([]*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*models.Shipment, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, clone(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RefCode == ref {
			return clone(r), nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memStore) GetActiveShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TrackingSeq == seq && !models.IsDelivered(r.Status) {
			return clone(r), nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memStore) countBySeq(seq int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.TrackingSeq == seq {
			n++
		}
	}
	return n
}

// seed puts a row in place without going through the coordinator.
func (m *memStore) seed(sh *models.Shipment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sh.ID = m.nextID
	sh.TrackingNumber = models.TrackingNumber(sh.TrackingSeq)
	m.rows = append(m.rows, clone(sh))
}

type memTx struct {
	m *memStore
}

func (t *memTx) ReadPointer(ctx context.Context) (int, error) { return t.m.pointer, nil }

func (t *memTx) AdvancePointer(ctx context.Context, seq int) error {
	t.m.pointer = seq
	return nil
}

func (t *memTx) IsSlotActive(ctx context.Context, seq int) (bool, error) {
	for _, r := range t.m.rows {
		if r.TrackingSeq == seq && !models.IsDelivered(r.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ShipmentByRef(ctx context.Context, ref string) (*models.Shipment, error) {
	for _, r := range t.m.rows {
		if r.RefCode == ref {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (t *memTx) LatestShipmentBySeq(ctx context.Context, seq int) (*models.Shipment, error) {
	var best *models.Shipment
	for _, r := range t.m.rows {
		if r.TrackingSeq != seq {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return clone(best), nil
}

func (t *memTx) InsertShipment(ctx context.Context, sh *models.Shipment) error {
	for _, r := range t.m.rows {
		if r.RefCode == sh.RefCode {
			return models.ErrRefCodeTaken
		}
		if r.TrackingSeq == sh.TrackingSeq && !models.IsDelivered(r.Status) && !models.IsDelivered(sh.Status) {
			return models.ErrSlotInUse
		}
	}
	t.m.nextID++
	sh.ID = t.m.nextID
	t.m.rows = append(t.m.rows, clone(sh))
	return nil
}

func (t *memTx) UpdateShipment(ctx context.Context, sh *models.Shipment) error {
	for i, r := range t.m.rows {
		if r.ID == sh.ID {
			t.m.rows[i] = clone(sh)
			return nil
		}
	}
	return models.ErrNotFound
}

func (t *memTx) ArchiveShipment(ctx context.Context, sh *models.Shipment) error {
	t.m.archive = append(t.m.archive, clone(sh))
	return nil
}
