// Package ws streams project events to websocket clients. A client opens one
// connection and subscribes to any number of projects; events for each
// subscription arrive in emission order with no replay of history.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/veloxhq/conductor/internal/bus"
	"github.com/veloxhq/conductor/internal/metrics"
	"github.com/veloxhq/conductor/internal/model"
)

// ProjectFinder reports whether a project exists. Subscriptions to unknown
// projects are refused.
type ProjectFinder interface {
	Get(projectID string) (*model.Project, error)
}

// clientFrame is a message from the client.
type clientFrame struct {
	Type      string `json:"type"` // "subscribe", "unsubscribe", "ping"
	ProjectID string `json:"projectId,omitempty"`
}

// serverFrame is a message to the client.
type serverFrame struct {
	Type      string     `json:"type"` // "subscribed", "unsubscribed", "pong", "event", "error"
	ProjectID string     `json:"projectId,omitempty"`
	Error     string     `json:"error,omitempty"`
	Event     *bus.Event `json:"event,omitempty"`
}

// Hub upgrades connections and fans bus events out to them.
type Hub struct {
	events   *bus.Bus
	finder   ProjectFinder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. metrics may be nil.
func NewHub(events *bus.Bus, finder ProjectFinder, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		events:  events,
		finder:  finder,
		metrics: m,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// client is one websocket connection and its project subscriptions.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex // serializes writes across subscription pumps

	mu   sync.Mutex
	subs map[string]*bus.Subscription // projectID → subscription
	done bool
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		subs: make(map[string]*bus.Subscription),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	h.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", n).Msg("ws client connected")

	c.readLoop()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.teardown()

	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("ws client disconnected")
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		)
		c.writeMu.Unlock()
		c.conn.Close()
		c.teardown()
	}
}

// readLoop processes client frames until the connection fails.
func (c *client) readLoop() {
	defer c.conn.Close()

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug().Err(err).Msg("ws read error")
			}
			return
		}

		switch frame.Type {
		case "subscribe":
			c.subscribe(frame.ProjectID)
		case "unsubscribe":
			c.unsubscribe(frame.ProjectID)
		case "ping":
			c.write(serverFrame{Type: "pong"})
		default:
			c.write(serverFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

func (c *client) subscribe(projectID string) {
	if projectID == "" {
		c.write(serverFrame{Type: "error", Error: "projectId is required"})
		return
	}
	if _, err := c.hub.finder.Get(projectID); err != nil {
		c.write(serverFrame{Type: "error", ProjectID: projectID, Error: "unknown project"})
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[projectID]; ok {
		c.mu.Unlock()
		c.write(serverFrame{Type: "subscribed", ProjectID: projectID})
		return
	}
	sub := c.hub.events.Subscribe(projectID)
	c.subs[projectID] = sub
	c.mu.Unlock()

	go c.pump(sub)
	c.write(serverFrame{Type: "subscribed", ProjectID: projectID})
}

func (c *client) unsubscribe(projectID string) {
	c.mu.Lock()
	sub, ok := c.subs[projectID]
	if ok {
		delete(c.subs, projectID)
	}
	c.mu.Unlock()

	if ok {
		c.hub.events.Unsubscribe(sub)
	}
	c.write(serverFrame{Type: "unsubscribed", ProjectID: projectID})
}

// pump forwards one subscription's events to the socket. It exits when the
// subscription closes.
func (c *client) pump(sub *bus.Subscription) {
	for ev := range sub.C {
		if !c.write(serverFrame{Type: "event", ProjectID: ev.ProjectID, Event: &ev}) {
			return
		}
		if c.hub.metrics != nil {
			c.hub.metrics.WSEventsSent.Inc()
		}
	}
}

// write sends one frame. It reports false when the connection is gone.
func (c *client) write(frame serverFrame) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		return false
	}
	return true
}

// teardown releases all subscriptions of a finished client.
func (c *client) teardown() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	subs := make([]*bus.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*bus.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.events.Unsubscribe(sub)
	}
}
