package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Hub fans interview events out to every open connection of their owner.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID string
	// MessageHandler receives every inbound frame in arrival order.
	MessageHandler func(*Client, []byte)
}

// Message is an inbound client command.
type Message struct {
	Type      string `json:"type"` // "answer", "modify_answer", "end_session"
	SessionID string `json:"session_id"`
	Content   string `json:"content,omitempty"`
}

// Event is the envelope written to clients.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]struct{})
			}
			h.clients[client.UserID][client] = struct{}{}
			h.mu.Unlock()
			slog.Info("Client registered", "user_id", client.UserID, "client_id", client.ID)

		case client := <-h.unregister:
			h.remove(client)
			slog.Info("Client unregistered", "user_id", client.UserID, "client_id", client.ID)

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for userID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
	}
	if len(clients) == 0 {
		delete(h.clients, client.UserID)
	}
}

// RegisterClient attaches conn to userID. It returns an error once the hub has stopped.
func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) (*Client, error) {
	client := &Client{
		ID:     uuid.New().String(),
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		UserID: userID,
	}

	select {
	case h.register <- client:
		return client, nil
	case <-h.done:
		return nil, fmt.Errorf("hub stopped")
	}
}

// Notify queues an event for ownerID's connections. It never blocks; a client
// whose buffer is full misses the event.
func (h *Hub) Notify(ctx context.Context, ownerID, eventKind string, payload any) error {
	message, err := json.Marshal(Event{Type: eventKind, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventKind, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[ownerID] {
		select {
		case client.Send <- message:
		default:
			slog.Warn("Dropping event for slow client", "user_id", ownerID, "client_id", client.ID, "event", eventKind)
		}
	}
	return nil
}

// Connections reports how many clients ownerID has open.
func (h *Hub) Connections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

// ReadPump reads until the connection closes, passing frames to MessageHandler.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err, "user_id", c.UserID)
			}
			return
		}
		if c.MessageHandler != nil {
			c.MessageHandler(c, messageBytes)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
