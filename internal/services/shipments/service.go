package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/ShipTrack/internal/broker/messages"
	"github.com/BearBump/ShipTrack/internal/cache"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/allocator"
	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/pkg/errors"
)

type HistoryReader interface {
	History(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Tracking is a shipment merged with its location history, newest ping first.
type Tracking struct {
	Shipment *models.Shipment       `json:"shipment"`
	History  []*models.LocationPing `json:"history"`
}

type Service struct {
	store   storage.ShipmentStore
	alloc   *allocator.Allocator
	geo     geocoder.Client
	history HistoryReader

	cache      cache.BytesCache
	currentTTL time.Duration

	producer Producer
	topic    string

	now func() time.Time
}

func New(store storage.ShipmentStore, alloc *allocator.Allocator, geo geocoder.Client, history HistoryReader, c cache.BytesCache, currentTTL time.Duration) *Service {
	if alloc == nil {
		alloc = allocator.New()
	}
	return &Service{
		store:      store,
		alloc:      alloc,
		geo:        geo,
		history:    history,
		cache:      c,
		currentTTL: currentTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithProducer enables shipment.upserted events.
func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.topic = topic
	return s
}

type upsertOutcome struct {
	shipment  *models.Shipment
	result    models.UpsertResult
	displaced string
}

// Upsert creates or updates the shipment for in.RefCode.
//
// A known ref is updated in place at its current slot. A new ref gets either
// the requested slot or the next free one from the allocator; if a delivered
// row still sits on that slot, it is archived and overwritten (Updated),
// otherwise a fresh row is inserted (Created).
func (s *Service) Upsert(ctx context.Context, in models.ShipmentInput) (*models.Shipment, models.UpsertResult, error) {
	ref := strings.TrimSpace(in.RefCode)
	status := models.NormalizeStatus(in.Status)
	addr := strings.TrimSpace(in.DestinationAddress)

	var missing []string
	if ref == "" {
		missing = append(missing, "ref_code")
	}
	if status == "" {
		missing = append(missing, "status")
	}
	if addr == "" {
		missing = append(missing, "destination_address")
	}
	if len(missing) > 0 {
		return nil, "", errors.Wrap(models.ErrMissingFields, strings.Join(missing, ", "))
	}
	if in.TrackingSeq != nil && !models.SeqInRange(*in.TrackingSeq) {
		return nil, "", errors.Wrapf(models.ErrSeqOutOfRange, "tracking_seq %d", *in.TrackingSeq)
	}

	coords, err := s.geo.Geocode(ctx, addr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", models.ErrGeocodeFailed, err.Error())
	}

	var out upsertOutcome
	err = s.store.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		var err error
		out, err = s.upsertLocked(ctx, tx, ref, status, addr, coords, in.TrackingSeq)
		return err
	})
	if err != nil {
		return nil, "", classify(err)
	}

	slog.Info("shipment upserted",
		"ref", out.shipment.RefCode,
		"seq", out.shipment.TrackingSeq,
		"result", string(out.result),
		"status", out.shipment.Status,
	)
	s.afterCommit(ctx, out)
	return out.shipment, out.result, nil
}

func (s *Service) upsertLocked(ctx context.Context, tx storage.SlotTx, ref, status, addr string, coords models.Coordinates, wantSeq *int) (upsertOutcome, error) {
	existing, err := tx.ShipmentByRef(ctx, ref)
	if err != nil {
		return upsertOutcome{}, err
	}
	if existing != nil {
		if wantSeq != nil && *wantSeq != existing.TrackingSeq {
			return upsertOutcome{}, errors.Wrapf(models.ErrRefCodeTaken, "%s is on tracking_seq %d", ref, existing.TrackingSeq)
		}
		existing.Status = status
		existing.DestinationAddress = addr
		existing.DestLat, existing.DestLon = coords.Lat, coords.Lon
		if err := tx.UpdateShipment(ctx, existing); err != nil {
			return upsertOutcome{}, err
		}
		return upsertOutcome{shipment: existing, result: models.UpsertUpdated}, nil
	}

	var seq int
	if wantSeq != nil {
		seq = *wantSeq
		if err := s.alloc.Claim(ctx, tx, seq); err != nil {
			return upsertOutcome{}, err
		}
	} else {
		seq, err = s.alloc.Allocate(ctx, tx)
		if err != nil {
			return upsertOutcome{}, err
		}
	}

	prev, err := tx.LatestShipmentBySeq(ctx, seq)
	if err != nil {
		return upsertOutcome{}, err
	}

	if prev != nil {
		if err := tx.ArchiveShipment(ctx, prev); err != nil {
			return upsertOutcome{}, err
		}
		displaced := prev.RefCode
		prev.RefCode = ref
		prev.TrackingNumber = models.TrackingNumber(seq)
		prev.Status = status
		prev.DestinationAddress = addr
		prev.DestLat, prev.DestLon = coords.Lat, coords.Lon
		prev.CreatedAt = s.now()
		if err := tx.UpdateShipment(ctx, prev); err != nil {
			return upsertOutcome{}, err
		}
		return upsertOutcome{shipment: prev, result: models.UpsertUpdated, displaced: displaced}, nil
	}

	sh := &models.Shipment{
		RefCode:            ref,
		TrackingSeq:        seq,
		TrackingNumber:     models.TrackingNumber(seq),
		Status:             status,
		DestinationAddress: addr,
		DestLat:            coords.Lat,
		DestLon:            coords.Lon,
		CreatedAt:          s.now(),
	}
	if err := tx.InsertShipment(ctx, sh); err != nil {
		return upsertOutcome{}, err
	}
	return upsertOutcome{shipment: sh, result: models.UpsertCreated}, nil
}

// MarkDelivered releases the shipment's slot without touching anything else.
func (s *Service) MarkDelivered(ctx context.Context, ref string) (*models.Shipment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.Wrap(models.ErrMissingFields, "ref_code")
	}

	var out *models.Shipment
	err := s.store.WithSlotLock(ctx, func(ctx context.Context, tx storage.SlotTx) error {
		sh, err := tx.ShipmentByRef(ctx, ref)
		if err != nil {
			return err
		}
		if sh == nil {
			return errors.Wrapf(models.ErrNotFound, "shipment %s", ref)
		}
		sh.Status = models.StatusDelivered
		if err := tx.UpdateShipment(ctx, sh); err != nil {
			return err
		}
		out = sh
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.afterCommit(ctx, upsertOutcome{shipment: out, result: models.UpsertUpdated})
	return out, nil
}

func (s *Service) afterCommit(ctx context.Context, out upsertOutcome) {
	if s.cache != nil && s.currentTTL > 0 {
		b, _ := json.Marshal(out.shipment)
		if err := s.cache.Set(ctx, currentKey(out.shipment.RefCode), b, s.currentTTL); err != nil {
			slog.Warn("cache set shipment", "ref", out.shipment.RefCode, "error", err.Error())
		}
		// The displaced ref no longer exists. A tombstone rather than a delete,
		// so a reader that loaded it just before cannot put it back.
		if out.displaced != "" {
			if err := s.cache.Set(ctx, currentKey(out.displaced), []byte(goneMarker), s.currentTTL); err != nil {
				slog.Warn("cache tombstone shipment", "ref", out.displaced, "error", err.Error())
			}
		}
	}

	if s.producer != nil && s.topic != "" {
		sh := out.shipment
		b, _ := json.Marshal(messages.ShipmentUpserted{
			RefCode:        sh.RefCode,
			TrackingSeq:    sh.TrackingSeq,
			TrackingNumber: sh.TrackingNumber,
			Status:         sh.Status,
			Result:         string(out.result),
			DestLat:        sh.DestLat,
			DestLon:        sh.DestLon,
			ReusedFrom:     out.displaced,
			At:             s.now(),
		})
		if err := s.producer.Publish(ctx, s.topic, []byte(sh.RefCode), b); err != nil {
			slog.Error("publish shipment upserted", "ref", sh.RefCode, "error", err.Error())
		}
	}
}

func (s *Service) ListShipments(ctx context.Context) ([]*models.Shipment, error) {
	out, err := s.store.ListShipments(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// TrackByRef serves the shipment from cache when it can; history always comes
// from storage.
func (s *Service) TrackByRef(ctx context.Context, ref string, limit int) (*Tracking, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, models.ErrNotFound
	}

	sh, gone := s.cachedShipment(ctx, ref)
	if sh == nil {
		var err error
		sh, err = s.store.GetShipmentByRef(ctx, ref)
		if err != nil {
			return nil, classify(err)
		}
		// Fill only an empty key: writers own it once they have touched it.
		if !gone && s.cache != nil && s.currentTTL > 0 {
			b, _ := json.Marshal(sh)
			_, _ = s.cache.SetNX(ctx, currentKey(ref), b, s.currentTTL)
		}
	}
	return s.withHistory(ctx, sh, limit)
}

// TrackBySeq only looks at the active occupant of seq.
func (s *Service) TrackBySeq(ctx context.Context, seq int, limit int) (*Tracking, error) {
	if !models.SeqInRange(seq) {
		return nil, errors.Wrapf(models.ErrSeqOutOfRange, "tracking_seq %d", seq)
	}
	sh, err := s.store.GetActiveShipmentBySeq(ctx, seq)
	if err != nil {
		return nil, classify(err)
	}
	return s.withHistory(ctx, sh, limit)
}

func (s *Service) withHistory(ctx context.Context, sh *models.Shipment, limit int) (*Tracking, error) {
	hist := []*models.LocationPing{}
	if s.history != nil {
		h, err := s.history.History(ctx, sh.RefCode, limit)
		if err != nil {
			return nil, classify(err)
		}
		hist = h
	}
	return &Tracking{Shipment: sh, History: hist}, nil
}

// cachedShipment reports gone when the key holds a tombstone.
func (s *Service) cachedShipment(ctx context.Context, ref string) (sh *models.Shipment, gone bool) {
	if s.cache == nil || s.currentTTL <= 0 {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, currentKey(ref))
	if err != nil || !ok {
		return nil, false
	}
	if string(b) == goneMarker {
		return nil, true
	}
	var cached models.Shipment
	if json.Unmarshal(b, &cached) != nil || cached.RefCode != ref {
		return nil, false
	}
	return &cached, false
}

// classify keeps taxonomy errors and turns everything else into a StorageError.
func classify(err error) error {
	if models.IsDomainError(err) {
		return err
	}
	return &models.StorageError{Err: err}
}

// goneMarker is cached for a ref whose row was taken over by another shipment.
const goneMarker = "gone"

func currentKey(ref string) string {
	return fmt.Sprintf("shipment:%s:current", ref)
}
