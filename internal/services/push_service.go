package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"vault-backend/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the CORS layer in front of the upgrade.
		return true
	},
}

// Connection is one wallet's websocket session.
type Connection struct {
	ID          string
	UserAddress string
	Conn        *websocket.Conn
	Send        chan []byte
	LastPing    time.Time
}

// PushMessage is the envelope for every frame sent to clients.
type PushMessage struct {
	Type        string      `json:"type"`
	Timestamp   string      `json:"timestamp"`
	MessageID   string      `json:"message_id"`
	UserAddress string      `json:"user_address"`
	Data        interface{} `json:"data"`
}

// PushService fans transition records out to each wallet's open websocket
// connections. A wallet may hold several connections at once; frames go to
// all of them.
type PushService struct {
	connections map[string]*Connection
	userConns   map[string][]*Connection
	hub         chan PushMessage
	register    chan *Connection
	unregister  chan *Connection
	mutex       sync.RWMutex
	logger      *logrus.Logger
}

func NewPushService(logger *logrus.Logger) *PushService {
	s := &PushService{
		connections: make(map[string]*Connection),
		userConns:   make(map[string][]*Connection),
		hub:         make(chan PushMessage, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		logger:      logger,
	}

	go s.run()
	return s
}

func (s *PushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case message := <-s.hub:
			s.handleBroadcast(message)
		}
	}
}

func (s *PushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.connections[conn.ID] = conn
	s.userConns[conn.UserAddress] = append(s.userConns[conn.UserAddress], conn)

	s.logger.WithFields(logrus.Fields{"user": conn.UserAddress, "conn_id": conn.ID}).Info("websocket connection registered")

	confirm := PushMessage{
		Type:        "connection_established",
		Timestamp:   time.Now().Format(time.RFC3339),
		MessageID:   generateMessageID(),
		UserAddress: conn.UserAddress,
		Data: map[string]interface{}{
			"user_address":  conn.UserAddress,
			"connection_id": conn.ID,
		},
	}
	if data, err := json.Marshal(confirm); err == nil {
		select {
		case conn.Send <- data:
		default:
		}
	}
}

func (s *PushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.connections[conn.ID]; !exists {
		return
	}
	delete(s.connections, conn.ID)

	conns := s.userConns[conn.UserAddress]
	for i, c := range conns {
		if c.ID == conn.ID {
			s.userConns[conn.UserAddress] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(s.userConns[conn.UserAddress]) == 0 {
		delete(s.userConns, conn.UserAddress)
	}

	close(conn.Send)
	conn.Conn.Close()

	s.logger.WithFields(logrus.Fields{"user": conn.UserAddress, "conn_id": conn.ID}).Info("websocket connection unregistered")
}

func (s *PushService) handleBroadcast(message PushMessage) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	conns, exists := s.userConns[message.UserAddress]
	if !exists {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal push message")
		return
	}

	for _, conn := range conns {
		select {
		case conn.Send <- data:
		default:
			// Channel full; the connection is stalled and will be torn down
			// by its write pump.
			s.logger.WithField("conn_id", conn.ID).Warn("push dropped, send buffer full")
		}
	}
}

// BroadcastTransition pushes one accepted transition to its wallet. Shaped
// as a TransitionListener so it subscribes straight onto the tracker.
func (s *PushService) BroadcastTransition(owner string, record models.TransitionRecord) {
	s.hub <- PushMessage{
		Type:        "transaction_update",
		Timestamp:   time.Now().Format(time.RFC3339),
		MessageID:   generateMessageID(),
		UserAddress: strings.ToLower(owner),
		Data:        record,
	}
}

// HandleWebSocket upgrades the request and runs the connection's pumps.
func (s *PushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, userAddress string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	connection := &Connection{
		ID:          generateConnectionID(),
		UserAddress: strings.ToLower(userAddress),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		LastPing:    time.Now(),
	}

	s.register <- connection

	go s.writePump(connection)
	go s.readPump(connection)
}

func (s *PushService) writePump(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *PushService) readPump(conn *Connection) {
	defer func() {
		s.unregister <- conn
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.LastPing = time.Now()
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

// GetActiveConnections reports the total open connection count.
func (s *PushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// GetUserConnections reports the open connection count for one wallet.
func (s *PushService) GetUserConnections(userAddress string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.userConns[strings.ToLower(userAddress)])
}

func generateConnectionID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

func generateMessageID() string {
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}
