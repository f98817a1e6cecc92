package shipments_api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Браузерные дашборды ходят с других origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is what clients send: {"type":"join-track","ref":"A1"}.
type wsMessage struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// wsEvent is what the server sends: {"event":"loc:A1","data":{...}}.
type wsEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsClient struct {
	conn  *websocket.Conn
	relay LocationRelay

	out      chan wsEvent
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	subs   map[string]*relay.Subscription
	closed bool
}

func (a *ShipmentsAPI) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err.Error())
		return
	}

	c := &wsClient{
		conn:  conn,
		relay: a.relay,
		out:   make(chan wsEvent, 32),
		done:  make(chan struct{}),
		subs:  make(map[string]*relay.Subscription),
	}
	go c.writeLoop()

	if ref := strings.TrimSpace(r.URL.Query().Get("ref")); ref != "" {
		c.join(ref)
	}
	c.readLoop()
}

func (c *wsClient) readLoop() {
	defer c.shutdown()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var m wsMessage
		if err := c.conn.ReadJSON(&m); err != nil {
			return
		}
		ref := strings.TrimSpace(m.Ref)
		switch m.Type {
		case "join-track":
			if ref != "" {
				c.join(ref)
			}
		case "leave-track":
			c.leave(ref)
		default:
			c.send(wsEvent{Event: "error", Data: "unknown message type " + m.Type})
		}
	}
}

func (c *wsClient) join(ref string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[ref]; ok {
		c.mu.Unlock()
		c.send(wsEvent{Event: "joined", Data: ref})
		return
	}
	sub := c.relay.Subscribe(ref)
	c.subs[ref] = sub
	c.mu.Unlock()

	go c.forward(sub)
	c.send(wsEvent{Event: "joined", Data: ref})
}

func (c *wsClient) leave(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	c.send(wsEvent{Event: "left", Data: ref})
}

func (c *wsClient) forward(sub *relay.Subscription) {
	event := relay.Channel(sub.Ref)
	for p := range sub.C() {
		if !c.send(wsEvent{Event: event, Data: p}) {
			return
		}
	}
}

func (c *wsClient) send(ev wsEvent) bool {
	select {
	case c.out <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// shutdown may be called by either loop; the first call wins.
func (c *wsClient) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.closed = true
	for ref, sub := range c.subs {
		sub.Close()
		delete(c.subs, ref)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
