package relay

import (
	"context"
	"sync"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/google/uuid"
)

const defaultBuffer = 16

// Hub fans pings out to in-process subscribers, one topic per shipment ref.
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the ping and has to catch up from history.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		topics: make(map[string]map[string]*Subscription),
		buffer: buffer,
	}
}

type Subscription struct {
	ID  string
	Ref string

	c    chan *models.LocationPing
	hub  *Hub
	once sync.Once
}

// C yields pings in publish order. It is closed by Close.
func (s *Subscription) C() <-chan *models.LocationPing {
	return s.c
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) Subscribe(ref string) *Subscription {
	s := &Subscription{
		ID:  uuid.NewString(),
		Ref: ref,
		c:   make(chan *models.LocationPing, h.buffer),
		hub: h,
	}

	h.mu.Lock()
	subs, ok := h.topics[ref]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[ref] = subs
	}
	subs[s.ID] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[s.Ref]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.topics, s.Ref)
		}
	}
	// Publish holds the read lock while sending, so closing here is safe.
	close(s.c)
}

// Publish returns how many subscribers got the ping.
func (h *Hub) Publish(p *models.LocationPing) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.topics[p.ShipmentRef] {
		select {
		case s.c <- p:
			delivered++
		default:
		}
	}
	return delivered
}

// Notify lets the hub act as the relay's notifier when there is no broker.
func (h *Hub) Notify(_ context.Context, p *models.LocationPing) error {
	h.Publish(p)
	return nil
}

func (h *Hub) Subscribers(ref string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[ref])
}
