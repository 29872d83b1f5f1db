package devserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one push channel subscriber.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	mu   sync.Mutex

	greeting []byte
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Hub fans push frames out to every connected subscriber.
type Hub struct {
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan []byte
	done       chan struct{}

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan []byte, 256),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				close(conn.Send)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			if conn.greeting != nil {
				conn.Send <- conn.greeting
			}
			h.logger.Info("connection registered", slog.String("conn_id", conn.ID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Info("connection unregistered", slog.String("conn_id", conn.ID))

		case data := <-h.broadcast:
			h.mu.RLock()
			for id, conn := range h.connections {
				select {
				case conn.Send <- data:
				default:
					h.logger.Warn("connection buffer full, closing", slog.String("conn_id", id))
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps ws with a fresh connection id. greeting, if not nil, is
// the first frame the connection receives once registered.
func (h *Hub) NewConnection(ws *websocket.Conn, greeting []byte) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		Conn:     ws,
		Send:     make(chan []byte, 256),
		greeting: greeting,
	}
}

// Register registers a connection with the hub. It reports false once the
// hub has stopped; conn.Send is closed in that case.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		close(conn.Send)
		return false
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues a frame for every connection. Frames are dropped once the hub stopped.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// DropConnections closes every socket without a close frame, as a network
// failure would. Subscribers are expected to reconnect.
func (h *Hub) DropConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		_ = conn.Conn.SetReadDeadline(time.Now())
		_ = conn.Close()
	}
	return len(h.connections)
}
