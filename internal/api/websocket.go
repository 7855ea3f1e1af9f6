package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/auth"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeDownload = "download"
	WSTypeSubmit   = "submit"
	WSTypeRename   = "rename"
	WSTypePing     = "ping"
	WSTypePong     = "pong"
	WSTypeEvent    = "event"
	WSTypeResponse = "response"
	WSTypeError    = "error"

	// Event types carried by WSTypeEvent messages.
	WSEventSessionOpened = "sync.session_opened"
	WSEventNotification  = "sync.notification"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsOutbound is the server side of WSMessage.
type wsOutbound struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubmitPayload is the payload of a submit message.
type WSSubmitPayload struct {
	Edits configsync.Edits `json:"edits"`
}

// WSRenamePayload is the payload of a rename message.
type WSRenamePayload struct {
	UnitID uint16 `json:"unit_id"`
	Name   string `json:"name"`
}

// wsRegistry tracks the connected sync clients.
type wsRegistry struct {
	logger  *logging.Logger
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newWSRegistry(logger *logging.Logger) *wsRegistry {
	return &wsRegistry{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

func (reg *wsRegistry) register(c *wsClient) {
	reg.mu.Lock()
	reg.clients[c] = struct{}{}
	n := len(reg.clients)
	reg.mu.Unlock()
	reg.logger.Debug("sync client connected", "driver_id", c.sess.DriverID(), "session_id", c.sess.ID(), "clients", n)
}

// unregister removes c and releases its session. Only the caller that
// removes c from the map closes its send channel.
func (reg *wsRegistry) unregister(c *wsClient) {
	reg.mu.Lock()
	_, existed := reg.clients[c]
	delete(reg.clients, c)
	n := len(reg.clients)
	reg.mu.Unlock()

	if !existed {
		return
	}
	c.cancel()
	c.sess.Close()
	close(c.send)
	reg.logger.Debug("sync client disconnected", "session_id", c.sess.ID(), "clients", n)
}

func (reg *wsRegistry) count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.clients)
}

// closeAll disconnects every client.
func (reg *wsRegistry) closeAll() {
	reg.mu.Lock()
	clients := make([]*wsClient, 0, len(reg.clients))
	for c := range reg.clients {
		clients = append(clients, c)
	}
	reg.mu.Unlock()

	for _, c := range clients {
		reg.unregister(c)
		c.conn.Close()
	}
}

// wsClient is one connected editor bound to one configsync session.
type wsClient struct {
	srv    *Server
	reg    *wsRegistry
	conn   *websocket.Conn
	send   chan []byte
	sess   *configsync.Session
	claims *auth.CustomClaims
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket opens a sync session on a driver and upgrades the
// connection. Authentication is via ticket query parameter (obtained from
// POST /auth/ws-ticket).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	claims, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}
	if !auth.HasPermission(claims.Role, auth.PermConfigRead) {
		writeForbidden(w, "insufficient permissions")
		return
	}

	driverID := r.URL.Query().Get("driver")
	if driverID == "" {
		writeBadRequest(w, "driver query parameter is required")
		return
	}
	sess, err := s.mesh.OpenSession(driverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close()
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &wsClient{
		srv:    s,
		reg:    s.clients,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		sess:   sess,
		claims: claims,
		logger: s.logger.With("driver_id", driverID, "session_id", sess.ID()),
		ctx:    ctx,
		cancel: cancel,
	}
	s.clients.register(c)

	c.sendEvent(WSEventSessionOpened, map[string]any{
		"session_id": sess.ID(),
		"driver_id":  driverID,
		"role":       claims.Role,
	})

	go c.writePump(s.wsCfg)
	go c.notifyPump()
	go c.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *wsClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.reg.unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			} else {
				c.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// notifyPump forwards session notifications in order until the session
// closes.
func (c *wsClient) notifyPump() {
	for {
		select {
		case <-c.sess.Ready():
			for _, n := range c.sess.Drain() {
				c.sendEvent(WSEventNotification, n)
			}
		case <-c.sess.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *wsClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeDownload:
		c.handleDownload(msg)
	case WSTypeSubmit:
		c.handleSubmit(msg)
	case WSTypeRename:
		c.handleRename(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, Error{
			Status:  http.StatusBadRequest,
			Code:    ErrCodeBadRequest,
			Message: "unknown message type: " + msg.Type,
		})
	}
}

func (c *wsClient) handleDownload(msg WSMessage) {
	snap, err := c.sess.Download()
	if err != nil {
		c.sendError(msg.ID, newDomainError(err))
		return
	}
	c.sendResponse(msg.ID, WSTypeResponse, snap)
}

func (c *wsClient) handleSubmit(msg WSMessage) {
	if !c.allowed(msg.ID, auth.PermConfigEdit) {
		return
	}
	var p WSSubmitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "invalid submit payload"})
		return
	}
	res, err := c.sess.Submit(c.ctx, p.Edits)
	c.srv.record(c.ctx, c.claims.Subject, audit.ActionConfigSubmit, c.sess.DriverID(), "", err,
		map[string]any{"session_id": c.sess.ID(), "serial": res.Serial})
	c.sendResult(msg.ID, res, err)
}

func (c *wsClient) handleRename(msg WSMessage) {
	if !c.allowed(msg.ID, auth.PermConfigEdit) {
		return
	}
	var p WSRenamePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.UnitID == 0 {
		c.sendError(msg.ID, Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: "invalid rename payload"})
		return
	}
	res, err := c.sess.Rename(c.ctx, p.UnitID, p.Name)
	c.srv.record(c.ctx, c.claims.Subject, audit.ActionUnitRename, c.sess.DriverID(), strconv.Itoa(int(p.UnitID)), err,
		map[string]any{"session_id": c.sess.ID(), "serial": res.Serial, "name": p.Name})
	c.sendResult(msg.ID, res, err)
}

func (c *wsClient) allowed(id string, perm auth.Permission) bool {
	if auth.HasPermission(c.claims.Role, perm) {
		return true
	}
	c.sendError(id, Error{Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: "insufficient permissions"})
	return false
}

func (c *wsClient) sendResult(id string, res configsync.Result, err error) {
	switch {
	case err == nil:
		c.logger.Info("configuration edited", "serial", res.Serial, "by", c.claims.Subject)
		c.sendResponse(id, WSTypeResponse, res)
	case errors.Is(err, configsync.ErrConflict):
		c.sendResponse(id, WSTypeError, map[string]any{
			"error":  newDomainError(err),
			"result": res,
		})
	default:
		c.sendError(id, newDomainError(err))
	}
}

// trySend queues data for the write pump. It silently drops data when the
// client is gone or its buffer is full.
func (c *wsClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.logger.Warn("sync client buffer full, dropping message")
	}
}

func (c *wsClient) sendEvent(eventType string, payload any) {
	c.write(wsOutbound{Type: WSTypeEvent, EventType: eventType, Payload: payload})
}

func (c *wsClient) sendResponse(id, msgType string, payload any) {
	c.write(wsOutbound{Type: msgType, ID: id, Payload: payload})
}

func (c *wsClient) sendError(id string, e Error) {
	c.sendResponse(id, WSTypeError, map[string]any{"error": e})
}

func (c *wsClient) write(msg wsOutbound) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	c.trySend(data)
}
