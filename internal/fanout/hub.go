package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	// writeTimeout is the deadline for a single write to a stream.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the stream
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 32
)

// Hooks observe stream activity. Nil fields are skipped.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(event string)
	OnDrop       func()
}

// Options configure a Hub.
type Options struct {
	Logger log.Logger
	Hooks  Hooks

	// Heartbeat is the interval of JSON heartbeat events. Default 30s.
	Heartbeat time.Duration

	// SendBuffer is the per-stream queue depth. Default 32.
	SendBuffer int

	// CheckOrigin is passed to the websocket upgrader. Nil allows every
	// origin; CORS is applied in front of the server.
	CheckOrigin func(r *http.Request) bool

	// Now overrides the clock used for computed alert fields.
	Now func() time.Time
}

// Hub tracks live streams and routes alert events to them.
type Hub struct {
	logger    log.Logger
	hooks     Hooks
	heartbeat time.Duration
	bufSize   int
	now       func() time.Time
	upgrader  websocket.Upgrader

	mu         sync.RWMutex
	users      map[string]map[*client]struct{}
	clinicians map[string]string // clinician ID -> user ID
	closed     bool
}

type client struct {
	conn   *websocket.Conn
	viewer triage.Actor
	send   chan []byte
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger:    opts.Logger.With("component", "fanout"),
		hooks:     opts.Hooks,
		heartbeat: opts.Heartbeat,
		bufSize:   opts.SendBuffer,
		now:       opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		users:      make(map[string]map[*client]struct{}),
		clinicians: make(map[string]string),
	}
}

// Serve upgrades the request to a websocket stream for viewer and blocks
// until the stream closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, viewer triage.Actor) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		return
	}

	c := &client{conn: conn, viewer: viewer, send: make(chan []byte, h.bufSize)}
	if !h.register(c) {
		conn.Close()
		return
	}
	defer h.unregister(c)

	// written before the pump starts so it is always the first frame
	ctx := r.Context()
	data, err := h.encode(Message{Event: EventConnected, Timestamp: h.now(), UserID: viewer.UserID})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		h.logger.Warn(ctx, "stream handshake failed", "user_id", viewer.UserID, "error", err.Error())
		conn.Close()
		return
	}
	h.counted(EventConnected)

	h.logger.Info(ctx, "stream connected", "user_id", viewer.UserID, "clinician_id", viewer.ClinicianID)
	go h.writePump(c)
	c.readPump()
	h.logger.Info(ctx, "stream disconnected", "user_id", viewer.UserID)
}

// Publish routes ev to the assigned clinician, the claimer and the
// escalation target of its alert. It never blocks.
func (h *Hub) Publish(ctx context.Context, ev triage.Event) {
	if ev.Alert == nil {
		return
	}
	now := h.now()

	var drop []*client
	h.mu.RLock()
	for _, userID := range h.targets(ev.Alert) {
		for c := range h.users[userID] {
			view := View(ev.Alert, c.viewer, now)
			data, err := h.encode(Message{Event: string(ev.Type), Action: string(ev.Action), Timestamp: now, Alert: &view})
			if err != nil {
				h.logger.Error(ctx, err, "encode alert event", "alert_id", ev.Alert.ID)
				continue
			}
			select {
			case c.send <- data:
				h.counted(string(ev.Type))
			default:
				drop = append(drop, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range drop {
		h.logger.Warn(ctx, "stream buffer full, dropping", "user_id", c.viewer.UserID)
		if h.hooks.OnDrop != nil {
			h.hooks.OnDrop()
		}
		h.unregister(c)
	}
}

// targets resolves the connected user IDs interested in a. Callers hold
// h.mu.
func (h *Hub) targets(a *triage.Alert) []string {
	var out []string
	add := func(userID string) {
		if userID == "" || h.users[userID] == nil {
			return
		}
		for _, u := range out {
			if u == userID {
				return
			}
		}
		out = append(out, userID)
	}
	add(h.clinicians[a.ClinicianID])
	add(h.clinicians[a.ClaimedBy])
	add(a.EscalatedTo)
	return out
}

// Connected reports how many live streams userID has.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Count returns the number of live streams.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.users {
		n += len(cs)
	}
	return n
}

// Close ends every stream and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, cs := range h.users {
		for c := range cs {
			close(c.send)
			h.disconnected()
		}
		delete(h.users, userID)
	}
	clear(h.clinicians)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	cs := h.users[c.viewer.UserID]
	if cs == nil {
		cs = make(map[*client]struct{})
		h.users[c.viewer.UserID] = cs
	}
	cs[c] = struct{}{}
	if c.viewer.ClinicianID != "" {
		h.clinicians[c.viewer.ClinicianID] = c.viewer.UserID
	}
	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect()
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.users[c.viewer.UserID]
	if _, ok := cs[c]; !ok {
		return
	}
	delete(cs, c)
	close(c.send)
	h.disconnected()
	if len(cs) > 0 {
		return
	}
	delete(h.users, c.viewer.UserID)
	for cid, uid := range h.clinicians {
		if uid == c.viewer.UserID {
			delete(h.clinicians, cid)
		}
	}
}

func (h *Hub) disconnected() {
	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect()
	}
}

func (h *Hub) counted(event string) {
	if h.hooks.OnMessage != nil {
		h.hooks.OnMessage(event)
	}
}

func (h *Hub) encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// writePump drains the stream's queue to the connection and sends ping
// frames and heartbeat events.
func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingPeriod)
	beat := time.NewTicker(h.heartbeat)
	defer func() {
		ping.Stop()
		beat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-beat.C:
			data, err := h.encode(Message{Event: EventHeartbeat, Timestamp: h.now()})
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			h.counted(EventHeartbeat)

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles control frames and detects disconnects. Clients send
// nothing else.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
