package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/registry"
)

// InboundHandler receives the protocol events of a connection. The engine
// implements it.
type InboundHandler interface {
	HandleJoin(ctx context.Context, connID, roomID, userName string)
	HandleActivity(ctx context.Context, connID string, activity models.RoomActivity)
	HandleDisconnect(ctx context.Context, connID string)
}

// ConnectionManager owns the WebSocket connections of all rooms and
// performs room-scoped fan-out. Egress is fire and forget: a send to a
// closed connection is dropped, never surfaced to the caller.
type ConnectionManager struct {
	registry *registry.Registry

	mu        sync.RWMutex
	roomConns map[string]map[*Connection]bool
	byID      map[string]*Connection

	upgrader websocket.Upgrader
	config   ConnectionConfig

	handler InboundHandler

	outboundCh chan outboundMessage
}

// Connection represents one WebSocket connection to a client.
type Connection struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	manager   *ConnectionManager
	closeOnce sync.Once

	sendMu     sync.Mutex
	sendClosed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// outboundMessage is a queued egress frame. ConnID targets a single
// connection; otherwise the frame fans out to the room, minus Exclude.
type outboundMessage struct {
	RoomID  string
	ConnID  string
	Exclude string
	Data    []byte
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager bound to a registry.
func NewConnectionManager(config ConnectionConfig, reg *registry.Registry) *ConnectionManager {
	return &ConnectionManager{
		registry:  reg,
		roomConns: make(map[string]map[*Connection]bool),
		byID:      make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:     config,
		outboundCh: make(chan outboundMessage, 1000),
	}
}

// SetHandler wires the inbound handler. Must be called before the first
// connection is accepted.
func (cm *ConnectionManager) SetHandler(h InboundHandler) {
	cm.handler = h
}

// Start drains the outbound queue. A single consumer preserves the order
// in which the engine committed activities.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.outboundCh:
			cm.deliver(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket bound to a
// room and starts its pumps. The connection is anonymous in the registry
// until its join_room payload arrives.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, roomID string) (string, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)
	cm.registry.Register(connection.ID, roomID, "")

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("room_id", roomID).
		Msg("websocket connection established")

	return connection.ID, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConns[conn.RoomID] == nil {
		cm.roomConns[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConns[conn.RoomID][conn] = true
	cm.byID[conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("room_connections", len(cm.roomConns[conn.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.roomConns[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			delete(cm.byID, conn.ID)
			conn.closeSend()

			if len(connections) == 0 {
				delete(cm.roomConns, conn.RoomID)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("room_id", conn.RoomID).
				Msg("connection unregistered")
		}
	}
}

// Broadcast queues a frame for every open connection in the room, minus
// excludeConnID when non-empty.
func (cm *ConnectionManager) Broadcast(roomID string, data []byte, excludeConnID string) {
	select {
	case cm.outboundCh <- outboundMessage{RoomID: roomID, Exclude: excludeConnID, Data: data}:
	default:
		log.Warn().Str("room_id", roomID).Msg("outbound queue full, dropping broadcast")
	}
}

// Send queues a frame for a single connection. Best effort: a closed or
// unknown connection is a no-op.
func (cm *ConnectionManager) Send(connID string, data []byte) {
	cm.mu.RLock()
	conn, ok := cm.byID[connID]
	cm.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case cm.outboundCh <- outboundMessage{RoomID: conn.RoomID, ConnID: connID, Data: data}:
	default:
		log.Warn().Str("connection_id", connID).Msg("outbound queue full, dropping message")
	}
}

func (cm *ConnectionManager) deliver(message outboundMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.ConnID != "" {
		if conn, ok := cm.byID[message.ConnID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.roomConns[message.RoomID] {
			if message.Exclude != "" && conn.ID == message.Exclude {
				continue
			}
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if conn.trySend(message.Data) {
			continue
		}
		// Slow or dead client; evict rather than block the room.
		log.Warn().
			Str("connection_id", conn.ID).
			Str("room_id", conn.RoomID).
			Msg("send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// trySend queues a frame without blocking. It reports false when the send
// buffer is full. A frame for an already closed connection is dropped;
// trySend and closeSend share a mutex so a broadcast landing between the
// target snapshot and a pump-side close never hits a closed channel.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel at most once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// Stats returns counts of active connections and rooms.
func (cm *ConnectionManager) Stats() (totalConnections, activeRooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, connections := range cm.roomConns {
		totalConnections += len(connections)
	}
	return totalConnections, len(cm.roomConns)
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.terminate()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.terminate()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// terminate runs the close path exactly once, even when both pumps exit.
func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		c.manager.unregisterConnection(c)
		if c.manager.handler != nil {
			c.manager.handler.HandleDisconnect(context.Background(), c.ID)
		}
	})
}

func (c *Connection) handleClientMessage(message []byte) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		c.sendError("malformed message")
		return
	}

	ctx := context.Background()
	switch envelope.Type {
	case EnvelopeJoinRoom:
		var payload JoinRoomPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			c.sendError("malformed join_room payload")
			return
		}
		c.manager.handler.HandleJoin(ctx, c.ID, payload.RoomID, payload.UserName)

	case EnvelopeActivity:
		var activity models.RoomActivity
		if err := json.Unmarshal(envelope.Payload, &activity); err != nil {
			c.sendError("malformed activity payload")
			return
		}
		c.manager.handler.HandleActivity(ctx, c.ID, activity)

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(envelope.Type)).
			Msg("unknown message type")
		c.sendError(fmt.Sprintf("unknown message type %q", string(envelope.Type)))
	}
}

func (c *Connection) sendError(message string) {
	data, err := MarshalError(message)
	if err != nil {
		return
	}
	c.manager.Send(c.ID, data)
}
