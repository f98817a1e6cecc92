package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/storage"
	"github.com/pkg/errors"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

type Notifier interface {
	Notify(ctx context.Context, p *models.LocationPing) error
}

type Relay struct {
	store    storage.PingStore
	hub      *Hub
	notifier Notifier
	clock    *monotonicClock
	locks    *refLocks

	historyLimit int
}

// New wires a relay. A nil notifier means pings only reach this process's hub.
func New(store storage.PingStore, hub *Hub, notifier Notifier) *Relay {
	if notifier == nil {
		notifier = hub
	}
	return &Relay{
		store:        store,
		hub:          hub,
		notifier:     notifier,
		clock:        newMonotonicClock(time.Now),
		locks:        newRefLocks(),
		historyLimit: DefaultHistoryLimit,
	}
}

func (r *Relay) WithHistoryLimit(limit int) *Relay {
	if limit > 0 && limit <= MaxHistoryLimit {
		r.historyLimit = limit
	}
	return r
}

func (r *Relay) Hub() *Hub { return r.hub }

// Record persists the ping and only then tells subscribers about it.
// Notification failures are logged; the ping is already durable.
// Records for one ref run one at a time, so ts order, id order and the live
// stream agree. The store has the last word on ts.
func (r *Relay) Record(ctx context.Context, ref string, lat, lon float64) (*models.LocationPing, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.Wrap(models.ErrMissingFields, "shipment_ref")
	}
	if !models.ValidCoordinates(lat, lon) {
		return nil, errors.Wrapf(models.ErrInvalidLocation, "lat=%v lon=%v", lat, lon)
	}

	unlock := r.locks.lock(ref)
	defer unlock()

	p := &models.LocationPing{
		ShipmentRef: ref,
		Lat:         lat,
		Lon:         lon,
		TS:          r.clock.Now(),
	}
	if err := r.store.InsertPing(ctx, p); err != nil {
		return nil, &models.StorageError{Err: err}
	}

	if err := r.notifier.Notify(ctx, p); err != nil {
		slog.Warn("notify location subscribers", "ref", ref, "error", err.Error())
	}
	return p, nil
}

// History is most recent first. limit <= 0 takes the configured default.
func (r *Relay) History(ctx context.Context, ref string, limit int) ([]*models.LocationPing, error) {
	if limit <= 0 {
		limit = r.historyLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	pings, err := r.store.ListPings(ctx, ref, limit)
	if err != nil {
		return nil, &models.StorageError{Err: err}
	}
	return pings, nil
}

// Subscribe only sees pings recorded after it returns.
func (r *Relay) Subscribe(ref string) *Subscription {
	return r.hub.Subscribe(ref)
}

// monotonicClock hands out strictly increasing timestamps at microsecond
// precision, which is what both stores keep.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newMonotonicClock(now func() time.Time) *monotonicClock {
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// refLocks is a mutex per shipment ref; entries go away with their last holder.
type refLocks struct {
	mu sync.Mutex
	m  map[string]*refLock
}

type refLock struct {
	sync.Mutex
	waiters int
}

func newRefLocks() *refLocks {
	return &refLocks{m: make(map[string]*refLock)}
}

func (l *refLocks) lock(ref string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.m[ref]
	if !ok {
		rl = &refLock{}
		l.m[ref] = rl
	}
	rl.waiters++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.waiters--
		if rl.waiters == 0 {
			delete(l.m, ref)
		}
		l.mu.Unlock()
	}
}
