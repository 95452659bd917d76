package websocket

import (
	"log/slog"
	"sync"
)

// Subscription is what one connection wants pushed to it.
type Subscription struct {
	InvoiceToken string
	Dashboard    bool
	Channel      bool
	Logs         bool
}

type Client struct {
	id   string
	hub  *Hub
	conn *Conn
	send chan []byte
	sub  Subscription
}

// Hub is the registry of live connections. Registration, subscription
// changes and broadcasts all go through mu, so the connection set can change
// while a broadcast is running.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) update(id string, fn func(*Subscription)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		fn(&c.sub)
	}
}

// Broadcast queues msg on every client whose subscription matches. A client
// whose buffer is full is skipped for this message. It returns the number of
// clients the message was queued for.
func (h *Hub) Broadcast(match func(Subscription) bool, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.clients {
		if !match(c.sub) {
			continue
		}
		select {
		case c.send <- msg:
			sent++
		default:
		}
	}
	return sent
}

// Subscribers counts clients whose subscription matches.
func (h *Hub) Subscribers(match func(Subscription) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if match(c.sub) {
			n++
		}
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.logger.Info("websocket hub closed")
}
