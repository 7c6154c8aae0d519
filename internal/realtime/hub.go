// Package realtime maintains per-subject live-subscription channels over
// WebSocket and fans position updates out to them. Delivery is best-effort,
// at-most-once per connected session: slow subscribers get dropped frames,
// never a stalled publisher.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nearcast/presence-engine/internal/auth"
	"github.com/nearcast/presence-engine/internal/metrics"
)

const (
	// writeWait bounds a single frame write so one slow subscriber cannot
	// stall its write pump indefinitely.
	writeWait = 10 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// sendBuffer is the per-connection outbound queue; when it fills the
	// connection's frames are dropped, not the publisher.
	sendBuffer = 64

	// Control frames (subscribe/unsubscribe) are throttled per connection.
	controlRate  = 5
	controlBurst = 10
)

// Event is a JSON message pushed to subscribers.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type publication struct {
	channel string
	data    []byte
}

type membership struct {
	c       *client
	channel string
}

// Hub owns the channel registry. It is constructed once in main and passed
// to the services that publish; there is no ambient global registry.
type Hub struct {
	verifier *auth.Verifier

	register    chan *client
	unregister  chan *client
	join        chan membership
	leave       chan membership
	publishCh   chan publication
	channels    map[string]map[*client]bool
	memberships map[*client]map[string]bool
}

// NewHub creates a fan-out hub. Connections authenticate at handshake time
// against verifier.
func NewHub(verifier *auth.Verifier) *Hub {
	return &Hub{
		verifier:    verifier,
		register:    make(chan *client),
		unregister:  make(chan *client),
		join:        make(chan membership),
		leave:       make(chan membership),
		publishCh:   make(chan publication, 256),
		channels:    make(map[string]map[*client]bool),
		memberships: make(map[*client]map[string]bool),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.joinChannel(c, channelFor(c.subjectID))
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "subject", c.subjectID)
			c.enqueue(mustMarshal(Event{Event: "ready", Data: map[string]string{"userId": c.subjectID}}))

		case c := <-h.unregister:
			if chans, ok := h.memberships[c]; ok {
				for name := range chans {
					h.leaveChannel(c, name)
				}
				delete(h.memberships, c)
				close(c.send)
				metrics.WebSocketClients.Dec()
				slog.Info("ws client disconnected", "subject", c.subjectID)
			}

		case m := <-h.join:
			h.joinChannel(m.c, m.channel)

		case m := <-h.leave:
			h.leaveChannel(m.c, m.channel)

		case p := <-h.publishCh:
			for c := range h.channels[p.channel] {
				c.enqueue(p.data)
			}
		}
	}
}

// Publish delivers payload to every connection joined to the subject's
// channel. It never blocks: if the hub's queue is full the event is
// dropped wholesale rather than delaying the caller.
func (h *Hub) Publish(subjectID string, payload interface{}) {
	data, err := json.Marshal(Event{Event: "location:update", Data: payload})
	if err != nil {
		return
	}
	select {
	case h.publishCh <- publication{channel: channelFor(subjectID), data: data}:
	default:
		metrics.PushesDropped.Inc()
	}
}

func (h *Hub) joinChannel(c *client, name string) {
	if h.channels[name] == nil {
		h.channels[name] = make(map[*client]bool)
	}
	h.channels[name][c] = true
	if h.memberships[c] == nil {
		h.memberships[c] = make(map[string]bool)
	}
	h.memberships[c][name] = true
}

func (h *Hub) leaveChannel(c *client, name string) {
	if members, ok := h.channels[name]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, name)
		}
	}
	if chans, ok := h.memberships[c]; ok {
		delete(chans, name)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin policy is enforced by the fronting proxy
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// bearer credential (token query parameter or Authorization header) is
// verified before the upgrade; without it no channel is ever joined.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Unauthorized"}`))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		subjectID: principal.ID,
		control:   rate.NewLimiter(controlRate, controlBurst),
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// client is one live connection. Its lifecycle is
// Connecting → Authenticating → Joined → Closed; by the time a client
// struct exists, authentication has already succeeded.
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	subjectID string
	control   *rate.Limiter
}

// enqueue hands a frame to the client's write pump, dropping it if the
// buffer is full so other subscribers are unaffected.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		metrics.PushesDropped.Inc()
	}
}

// readPump consumes control frames until the connection dies.
// Clients may follow other subjects with `subscribe:<id>` and stop with
// `unsubscribe:<id>`. Any authenticated connection may subscribe to any
// subject; there is no per-subject ownership check.
func (c *client) readPump() {
	defer func() { c.hub.unregister <- c }()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.control.Allow() {
			continue // shedding a control-frame flood
		}
		c.handleControl(strings.TrimSpace(string(msg)))
	}
}

func (c *client) handleControl(msg string) {
	switch {
	case strings.HasPrefix(msg, "subscribe:"):
		if id := strings.TrimPrefix(msg, "subscribe:"); id != "" {
			c.hub.join <- membership{c: c, channel: channelFor(id)}
		}
	case strings.HasPrefix(msg, "unsubscribe:"):
		if id := strings.TrimPrefix(msg, "unsubscribe:"); id != "" {
			c.hub.leave <- membership{c: c, channel: channelFor(id)}
		}
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive through proxies with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func channelFor(subjectID string) string { return "subject:" + subjectID }

func mustMarshal(e Event) []byte {
	data, _ := json.Marshal(e)
	return data
}
