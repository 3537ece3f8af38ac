package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// ErrNotConnected is returned when a user has no live connection.
var ErrNotConnected = errors.New("user not connected")

var errManagerClosed = errors.New("websocket manager closed")

const (
	MessageTypeStatus       = "status"
	MessageTypeNotification = "notification"
)

// Message is the envelope pushed to browser clients.
type Message struct {
	Type      string         `json:"type"`
	Event     string         `json:"event,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Target    string         `json:"target,omitempty"`
}

// Manager handles WebSocket connections of authenticated users and routes
// messages to them.
type Manager struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	closeOnce sync.Once
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	UserID       string
	Conn         *websocket.Conn
	Send         chan Message
	LastActivity time.Time
	UserAgent    string
	IPAddress    string
	mu           sync.Mutex
}

type userMessage struct {
	userID  string
	message Message
	sent    chan int
}

// Hub owns the connection registry. All mutation happens on its goroutine.
type Hub struct {
	byUser     map[string]map[*Connection]struct{}
	register   chan *Connection
	unregister chan *Connection
	deliver    chan userMessage
	stop       chan struct{}
	done       chan struct{}
	count      atomic.Int64
	logger     *zap.Logger
}

// NewManager creates a manager. An empty origin list accepts any origin.
func NewManager(logger *zap.Logger, allowedOrigins []string) *Manager {
	logger = logger.With(zap.String("component", "websocket"))
	hub := &Hub{
		byUser:     make(map[string]map[*Connection]struct{}),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		deliver:    make(chan userMessage),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go hub.run()

	return &Manager{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleConnection upgrades the request for an already authenticated user.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Conn:         conn,
		Send:         make(chan Message, sendBuffer),
		LastActivity: time.Now(),
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
	}

	connection.Send <- Message{
		Type:      MessageTypeStatus,
		Data:      map[string]any{"status": "connected", "connection_id": connection.ID},
		Timestamp: time.Now().UTC(),
		Target:    userID,
	}

	select {
	case m.hub.register <- connection:
	case <-m.hub.done:
		conn.Close()
		return nil, errManagerClosed
	}

	go m.readPump(connection)
	go m.writePump(connection)
	return connection, nil
}

// readPump only keeps the connection alive; clients do not send commands.
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		select {
		case m.hub.unregister <- conn:
		case <-m.hub.done:
		}
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(maxMessageSize)
	_ = conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket read error", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		conn.mu.Lock()
		conn.LastActivity = time.Now()
		conn.mu.Unlock()
	}
}

func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			conns, ok := h.byUser[conn.UserID]
			if !ok {
				conns = make(map[*Connection]struct{})
				h.byUser[conn.UserID] = conns
			}
			conns[conn] = struct{}{}
			h.count.Add(1)
			h.logger.Debug("Connection registered",
				zap.String("connection_id", conn.ID),
				zap.String("user_id", conn.UserID))

		case conn := <-h.unregister:
			h.remove(conn)

		case um := <-h.deliver:
			sent := 0
			for conn := range h.byUser[um.userID] {
				select {
				case conn.Send <- um.message:
					sent++
				default:
					h.logger.Warn("Connection buffer full, dropping message",
						zap.String("connection_id", conn.ID))
				}
			}
			um.sent <- sent

		case <-h.stop:
			for _, conns := range h.byUser {
				for conn := range conns {
					close(conn.Send)
				}
			}
			h.byUser = nil
			h.count.Store(0)
			return
		}
	}
}

func (h *Hub) remove(conn *Connection) {
	conns, ok := h.byUser[conn.UserID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.byUser, conn.UserID)
	}
	close(conn.Send)
	h.count.Add(-1)
	h.logger.Debug("Connection unregistered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID))
}

// SendToUser pushes a message to every live connection of a user.
func (m *Manager) SendToUser(userID string, message Message) error {
	message.Target = userID
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	um := userMessage{userID: userID, message: message, sent: make(chan int, 1)}
	select {
	case m.hub.deliver <- um:
	case <-m.hub.done:
		return errManagerClosed
	}
	if n := <-um.sent; n == 0 {
		return ErrNotConnected
	}
	return nil
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	return int(m.hub.count.Load())
}

// Close disconnects every client and stops the hub.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.hub.stop) })
	<-m.hub.done
}
