package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cronix/internal/eventbus"
	logx "cronix/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	clientBuffer   = 256
)

// Hub streams event bus traffic to websocket clients. Run owns the client
// set; Handle upgrades requests and registers clients with Run.
type Hub struct {
	bus eventbus.Bus
	log logx.Logger

	upgrader   websocket.Upgrader
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub(bus eventbus.Bus, log logx.Logger) *Hub {
	return &Hub{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin is not enforced; the bearer token guards the stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run fans bus events out to clients until ctx is cancelled, then
// disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		h.shutdown()
		return ctx.Err()
	}
	events, unsub := h.bus.Subscribe(clientBuffer)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()

		case cl := <-h.register:
			h.mu.Lock()
			h.clients[cl] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("event client connected", logx.Int("clients", n))

		case cl := <-h.unregister:
			h.drop(cl)

		case ev, open := <-events:
			if !open {
				return nil
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	h.mu.RLock()
	var slow []*Client
	for cl := range h.clients {
		if !eventbus.Match(ev.Type, cl.prefixes...) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()
	for _, cl := range slow {
		h.log.Warn("event client too slow, disconnecting")
		h.drop(cl)
	}
}

// drop removes cl and closes its send channel; WritePump then hangs up.
func (h *Hub) drop(cl *Client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("event client disconnected", logx.Int("clients", n))
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle upgrades GET /api/events. ?types=execution.,notifier. limits the
// stream to events whose type has one of the given prefixes.
func (h *Hub) Handle(c *gin.Context) {
	if h.bus == nil {
		fail(c, http.StatusServiceUnavailable, "Event stream is not available")
		return
	}
	var prefixes []string
	for _, p := range strings.Split(c.Query("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered the request.
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	cl := &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer), prefixes: prefixes}

	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	case <-c.Request.Context().Done():
		_ = conn.Close()
		return
	}
	go cl.WritePump()
	cl.ReadPump()
}

// Client is one websocket subscriber.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	prefixes []string
}

// ReadPump discards client messages and keeps the read deadline fresh via
// pongs. It returns when the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read failed", logx.Err(err))
			}
			return
		}
	}
}

// WritePump writes queued events and pings until send is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
