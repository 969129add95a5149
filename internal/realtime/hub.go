// Package realtime pushes booking revalidation events to connected frontends
// over WebSocket. A page watches the bookings it shows and refetches when one
// of them changes, instead of polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hearthhq/hearth/internal/idgen"
	"github.com/hearthhq/hearth/internal/metrics"
)

// EventRevalidate tells clients a booking changed and cached views are stale.
const EventRevalidate = "booking.revalidate"

// Event is one message pushed to a client. Watch acknowledgements reuse it
// with Type "watching".
type Event struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	BookingID  string    `json:"bookingId,omitempty"`
	BookingIDs []string  `json:"bookingIds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is a message a client sends to change what it watches.
//
//	{"action":"watch","bookingIds":["bkg_1"]}    add bookings
//	{"action":"unwatch","bookingIds":["bkg_1"]}  drop bookings
//	{"action":"all"}                             every booking again
type Command struct {
	Action     string   `json:"action"`
	BookingIDs []string `json:"bookingIds"`
}

// Options tune a Hub. Zero values take the defaults below.
type Options struct {
	// AllowedOrigins lists browser origins allowed to connect besides the
	// API's own host. Empty or "*" allows any origin.
	AllowedOrigins []string
	MaxClients     int
	// MaxWatched caps the bookings one connection may watch.
	MaxWatched int
}

const (
	defaultMaxClients = 10000
	defaultMaxWatched = 200
	sendBuffer        = 64
	readLimit         = 4096
	pongWait          = 60 * time.Second
	pingEvery         = 25 * time.Second
	writeWait         = 10 * time.Second
)

// watcher is one WebSocket connection and the bookings it follows. A nil
// bookings set means every booking.
type watcher struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	bookings map[string]struct{}

	sendMu sync.Mutex
	closed bool
}

func (w *watcher) wants(bookingID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bookings == nil {
		return true
	}
	_, ok := w.bookings[bookingID]
	return ok
}

// apply changes the watch set and returns it. An "all" command or an empty
// set after unwatch returns nil, meaning every booking.
func (w *watcher) apply(cmd Command, limit int) ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch cmd.Action {
	case "watch":
		if w.bookings == nil {
			w.bookings = make(map[string]struct{}, len(cmd.BookingIDs))
		}
		for _, id := range cmd.BookingIDs {
			if id == "" || len(w.bookings) >= limit {
				continue
			}
			w.bookings[id] = struct{}{}
		}
		if len(w.bookings) == 0 {
			w.bookings = nil
		}
	case "unwatch":
		for _, id := range cmd.BookingIDs {
			delete(w.bookings, id)
		}
		if len(w.bookings) == 0 {
			w.bookings = nil
		}
	case "all":
		w.bookings = nil
	default:
		return nil, false
	}

	ids := make([]string, 0, len(w.bookings))
	for id := range w.bookings {
		ids = append(ids, id)
	}
	return ids, true
}

// offer queues msg without blocking and reports whether it fit. A closed
// watcher swallows the message.
func (w *watcher) offer(msg []byte) bool {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.closed {
		return true
	}
	select {
	case w.send <- msg:
		return true
	default:
		return false
	}
}

// close ends the write loop once the queued messages are flushed.
func (w *watcher) close() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.send)
	}
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Connected    int   `json:"connectedClients"`
	PeakClients  int64 `json:"peakClients"`
	TotalClients int64 `json:"totalClients"`
	Events       int64 `json:"events"`
	Dropped      int64 `json:"dropped"`
}

// Hub owns every connection. Register, unregister and fan-out all go
// through Run's loop, so the connection set only changes there.
type Hub struct {
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	watchers map[*watcher]struct{}

	events     chan Event
	register   chan *watcher
	unregister chan *watcher
	done       chan struct{} // closed when Run returns

	peak    atomic.Int64
	total   atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger, opts Options) *Hub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.MaxWatched <= 0 {
		opts.MaxWatched = defaultMaxWatched
	}
	h := &Hub{
		logger:     logger,
		opts:       opts,
		watchers:   make(map[*watcher]struct{}),
		events:     make(chan Event, 256),
		register:   make(chan *watcher),
		unregister: make(chan *watcher),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // not a browser
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.TrimRight(o, "/") == origin {
			return true
		}
	}
	return false
}

// Run drives the hub until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for w := range h.watchers {
				w.close()
				delete(h.watchers, w)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case w := <-h.register:
			h.mu.Lock()
			h.watchers[w] = struct{}{}
			n := len(h.watchers)
			h.mu.Unlock()
			h.total.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client connected", "connected", n)

		case w := <-h.unregister:
			h.remove(w)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// fanOut encodes ev once and queues it for every interested watcher. A
// watcher whose buffer is full is disconnected; its page reloads on
// reconnect.
func (h *Hub) fanOut(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "bookingId", ev.BookingID, "error", err)
		return
	}

	var slow []*watcher
	h.mu.RLock()
	for w := range h.watchers {
		if w.wants(ev.BookingID) && !w.offer(msg) {
			slow = append(slow, w)
		}
	}
	h.mu.RUnlock()
	h.sent.Add(1)

	for _, w := range slow {
		droppedEvents.WithLabelValues("slow_client").Inc()
		h.dropped.Add(1)
		h.logger.Warn("disconnecting slow realtime client", "bookingId", ev.BookingID)
		h.remove(w)
	}
}

func (h *Hub) remove(w *watcher) {
	h.mu.Lock()
	if _, ok := h.watchers[w]; ok {
		delete(h.watchers, w)
		w.close()
	}
	n := len(h.watchers)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Revalidate queues a booking change for connected clients. It never blocks
// the booking or escrow call that triggered it; when the queue is full the
// event is dropped and counted.
func (h *Hub) Revalidate(ctx context.Context, bookingID string) {
	ev := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventRevalidate,
		BookingID: bookingID,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.events <- ev:
	default:
		droppedEvents.WithLabelValues("hub_full").Inc()
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping revalidate", "bookingId", bookingID)
	}
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.watchers)
	h.mu.RUnlock()
	return Stats{
		Connected:    n,
		PeakClients:  h.peak.Load(),
		TotalClients: h.total.Load(),
		Events:       h.sent.Load(),
		Dropped:      h.dropped.Load(),
	}
}

// RegisterAdminRoutes exposes hub stats to operators.
func (h *Hub) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"realtime": h.Stats()})
	})
}

// HandleWebSocket upgrades the request and starts the connection's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.watchers)
	h.mu.RUnlock()
	if n >= h.opts.MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Debug("websocket upgrade rejected", "error", err)
		return
	}

	wt := &watcher{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- wt:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go wt.writeLoop()
	go wt.readLoop()
}

// readLoop applies watch commands until the connection drops.
func (w *watcher) readLoop() {
	defer func() {
		select {
		case w.hub.unregister <- w:
		case <-w.hub.done:
		}
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(readLimit)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				w.hub.logger.Debug("realtime read ended", "error", err)
			}
			return
		}
		var cmd Command
		if json.Unmarshal(raw, &cmd) != nil {
			continue
		}
		ids, ok := w.apply(cmd, w.hub.opts.MaxWatched)
		if !ok {
			continue
		}
		ack, _ := json.Marshal(Event{Type: "watching", BookingIDs: ids, Timestamp: time.Now().UTC()})
		w.offer(ack)
	}
}

func (w *watcher) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
