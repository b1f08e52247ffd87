package game

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Envelope is the wire shape of every server message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type outbound struct {
	recipient string
	data      []byte
}

// Client owns one connection. A single writer goroutine drains send, so
// messages reach the socket in the order they were queued.
type Client struct {
	ID     string
	conn   Conn
	userID string

	send    chan []byte
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newClient(conn Conn, userID string) *Client {
	return &Client{
		ID:      uuid.NewString(),
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Hub fans events out to websocket clients. Publishing never blocks: when
// the buffer is full the message is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s as %s (Total: %d)", client.ID, client.userID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.ID, len(h.clients))
			}
			h.mu.Unlock()
			client.close()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if msg.recipient != "" && client.userID != msg.recipient {
					continue
				}
				if !client.enqueue(msg.data) {
					log.Printf("[WS] Send buffer full for %s, dropping message", client.ID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}

// Publish implements Publisher. Events with a Recipient only reach that
// player's connections.
func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(Envelope{Type: e.EventType(), Data: e})
	if err != nil {
		log.Printf("[WS] Marshal error: %v", err)
		return
	}

	msg := outbound{data: data}
	if r, ok := e.(interface{ Recipient() string }); ok {
		msg.recipient = r.Recipient()
	}

	select {
	case h.broadcast <- msg:
	default:
		log.Println("[WS] Broadcast channel full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(conn Conn, userID string) *Client {
	client := newClient(conn, userID)
	go client.writePump()

	select {
	case h.register <- client:
	case <-h.quit:
		client.close()
	}
	return client
}

// UnregisterClient returns once the client's writer has stopped and the
// connection is closed.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
		client.close()
	}
	<-client.stopped
}

// Send writes one message to this client only.
func (c *Client) Send(msgType string, data any) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		log.Printf("[WS] Send marshal error: %v", err)
		return
	}
	if !c.enqueue(payload) {
		log.Printf("[WS] Dropping %s for %s", msgType, c.ID)
	}
}

// enqueue never blocks. It reports false when the client is closed or its
// buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.quit) })
}

func (c *Client) writePump() {
	defer close(c.stopped)
	defer c.conn.Close()

	for {
		select {
		case <-c.quit:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WS] Write error for user %s: %v", c.userID, err)
			}
		}
	}
}
