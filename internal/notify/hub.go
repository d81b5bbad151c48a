package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrHubBusy = errors.New("websocket hub is busy")

const writeWait = 10 * time.Second

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub pushes events to the websocket connections of their target user.
type Hub struct {
	logger     zerolog.Logger
	register   chan *client
	unregister chan *client
	deliver    chan Event
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		deliver:    make(chan Event, 64),
		done:       make(chan struct{}),
		clients:    map[string]map[*client]struct{}{},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = map[*client]struct{}{}
			}
			h.clients[c.userID][c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", c.userID).Msg("websocket client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()
			h.logger.Debug().Str("user_id", c.userID).Msg("websocket client disconnected")
		case ev := <-h.deliver:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Type).Msg("marshal websocket event")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[ev.TargetUserID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Str("user_id", c.userID).Msg("websocket client too slow, dropping connection")
			h.remove(c)
		}
	}
}

// remove expects h.mu to be held.
func (h *Hub) remove(c *client) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			h.remove(c)
		}
	}
}

// Publish hands ev to the hub loop without waiting for socket writes.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	select {
	case h.deliver <- ev:
		return nil
	case <-h.done:
		return ErrHubBusy
	default:
		return ErrHubBusy
	}
}

// Connected returns the number of open connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Attach takes ownership of an upgraded connection for userID.
func (h *Hub) Attach(userID string, conn *websocket.Conn) {
	c := &client{userID: userID, conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug().Err(err).Str("user_id", c.userID).Msg("websocket write failed")
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readPump only watches for the peer going away.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("user_id", c.userID).Msg("websocket read error")
			}
			return
		}
	}
}
