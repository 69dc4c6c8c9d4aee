package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/protocol"
	"github.com/nerrad567/statesync/internal/token"
)

// sessionSendBufferSize is the per-session outbound frame buffer size.
// A session that falls this far behind is dropped at the next broadcast.
const sessionSendBufferSize = 256

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// Hub manages connected sessions and broadcasts state changes.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	sessions map[*Session]struct{}
	mu       sync.RWMutex
}

// Session is one connected sync client on the duplex channel.
//
// A session starts unauthenticated: the first frame must be an auth
// frame, and every other frame type is rejected until auth_ok has been
// sent. Outbound frames flow through an ordered per-session queue so a
// slow session never blocks the hub.
type Session struct {
	hub  *Hub
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	authed        bool
	clientID      string
	subscriptions map[string]struct{}
}

// NewHub creates a new session hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a session to the hub.
func (h *Hub) Register(sess *Session) {
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("session connected", "sessions", h.SessionCount())
}

// Unregister removes a session from the hub.
// Only the goroutine that successfully removes the session from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(sess *Session) {
	h.mu.Lock()
	_, existed := h.sessions[sess]
	delete(h.sessions, sess)
	h.mu.Unlock()

	if existed {
		close(sess.send)
	}
	h.logger.Debug("session disconnected", "sessions", h.SessionCount())
}

// BroadcastState sends a state_changed frame to every authenticated
// session.
//
// Broadcasts are deliberately not filtered by per-session subscriptions:
// subscriptions are advisory, and every authenticated session receives
// every exposed-entity change. A full send queue or a closed session
// counts as a delivery failure; failed sessions are pruned after the
// sweep so one bad connection cannot stall the rest.
func (h *Hub) BroadcastState(snap entity.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("failed to marshal snapshot for broadcast", "error", err)
		return
	}
	payload, err := json.Marshal(protocol.Message{
		Type:     protocol.TypeStateChanged,
		EntityID: snap.EntityID,
		Data:     data,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", "error", err)
		return
	}

	// Snapshot the session list under hub lock, then release before sending
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	var failed []*Session
	for _, sess := range sessions {
		if !sess.isAuthed() {
			continue
		}
		if !sess.trySend(payload) {
			failed = append(failed, sess)
		}
	}

	for _, sess := range failed {
		h.logger.Warn("dropping unresponsive session", "client_id", sess.ClientID())
		h.Unregister(sess)
		sess.conn.Close()
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// closeAll disconnects all sessions and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sess := range h.sessions {
		close(sess.send)
		if sess.conn != nil {
			sess.conn.Close()
		}
		delete(h.sessions, sess)
	}
}

// handleWebSocket upgrades the HTTP connection to the duplex channel.
// Authentication happens in-band: the first frame must be an auth frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := &Session{
		hub:           s.hub,
		srv:           s,
		conn:          conn,
		send:          make(chan []byte, sessionSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(sess)

	go sess.writePump(s.wsCfg)
	go sess.readPump(s.wsCfg)
}

// readPump reads frames from the connection until it closes.
func (sess *Session) readPump(cfg config.WebSocketConfig) {
	defer func() {
		sess.hub.Unregister(sess)
		sess.conn.Close()
	}()

	sess.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	sess.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.hub.logger.Warn("session read error", "error", err)
			} else {
				sess.hub.logger.Debug("session closed", "error", err)
			}
			return
		}
		// Any frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		sess.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		sess.handleFrame(message)
	}
}

// writePump writes queued frames to the connection in order.
// Frames queued before the send channel closes are still delivered.
func (sess *Session) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-sess.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				sess.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			sess.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			sess.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame through the session state
// machine: auth first, everything else only after auth_ok.
func (sess *Session) handleFrame(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.sendError("Invalid JSON")
		return
	}

	if !sess.isAuthed() {
		if msg.Type != protocol.TypeAuth {
			sess.sendError("Not authenticated")
			return
		}
		sess.handleAuth(msg)
		return
	}

	switch msg.Type {
	case protocol.TypeAuth:
		// Already authenticated; re-auth is a no-op.
		sess.sendFrame(protocol.Message{Type: protocol.TypeAuthOK})
	case protocol.TypeGetEntities:
		sess.handleGetEntities()
	case protocol.TypeSubscribe:
		sess.handleSubscribe(msg)
	case protocol.TypeCallService:
		sess.handleCallService(msg)
	default:
		sess.sendError("unknown message type: " + msg.Type)
	}
}

// handleAuth verifies the token in the auth frame. On failure, the
// auth_failed frame is queued and the session torn down; the queued
// frame still reaches the wire because the writePump drains the buffer
// before acting on the channel close.
func (sess *Session) handleAuth(msg protocol.Message) {
	subject, err := sess.srv.authority.Verify(msg.Token)
	if err != nil || subject == token.RegistrationSubject || !sess.srv.store.Exists(subject) {
		sess.sendFrame(protocol.Message{
			Type:    protocol.TypeAuthFailed,
			Message: "invalid or revoked token",
		})
		sess.hub.Unregister(sess)
		return
	}

	sess.mu.Lock()
	sess.authed = true
	sess.clientID = subject
	sess.mu.Unlock()

	sess.hub.logger.Info("session authenticated", "client_id", subject)
	sess.sendFrame(protocol.Message{Type: protocol.TypeAuthOK})
}

// handleGetEntities replies with the full exposure snapshot map.
func (sess *Session) handleGetEntities() {
	snapshots := sess.srv.exposureSnapshots(context.Background())
	data, err := json.Marshal(snapshots)
	if err != nil {
		sess.sendError("failed to serialise entities")
		return
	}
	sess.sendFrame(protocol.Message{
		Type: protocol.TypeEntities,
		Data: data,
	})
}

// handleSubscribe records an advisory subscription and replies with an
// immediate snapshot so the client has the current state straight away.
// Subscriptions do not filter broadcasts.
func (sess *Session) handleSubscribe(msg protocol.Message) {
	if msg.EntityID == "" {
		sess.sendError("entity_id is required")
		return
	}
	if !sess.srv.isExposed(msg.EntityID) {
		sess.sendError("entity not exposed: " + msg.EntityID)
		return
	}

	sess.mu.Lock()
	sess.subscriptions[msg.EntityID] = struct{}{}
	sess.mu.Unlock()

	if sess.srv.states == nil {
		return
	}
	snap, err := sess.srv.states.State(context.Background(), msg.EntityID)
	if err != nil {
		// Host has not reported this entity yet; the subscription stands
		// and the client gets state with the next broadcast.
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	sess.sendFrame(protocol.Message{
		Type:     protocol.TypeStateChanged,
		EntityID: msg.EntityID,
		Data:     data,
	})
}

// handleCallService dispatches a service call and correlates the
// result back by request_id.
func (sess *Session) handleCallService(msg protocol.Message) {
	result := protocol.ServiceResult{Error: "domain and service are required"}
	if msg.Domain != "" && msg.Service != "" {
		result = sess.srv.invokeService(context.Background(), msg.Domain, msg.Service, msg.ServiceData)
	}
	sess.sendFrame(protocol.Message{
		Type:      protocol.TypeServiceResponse,
		RequestID: msg.RequestID,
		Result:    &result,
	})
}

// trySend attempts to queue a frame on the session's ordered send queue.
// Returns false when the queue is full or the session is closed; the
// caller decides whether that costs the session its place in the hub.
func (sess *Session) trySend(data []byte) (delivered bool) {
	defer func() {
		if recover() != nil {
			// Send on closed channel: session disconnected mid-broadcast.
			delivered = false
		}
	}()

	select {
	case sess.send <- data:
		return true
	default:
		return false
	}
}

// sendFrame marshals and queues a frame for this session.
func (sess *Session) sendFrame(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sess.trySend(data)
}

// sendError queues an error frame.
func (sess *Session) sendError(message string) {
	sess.sendFrame(protocol.Message{
		Type:    protocol.TypeError,
		Message: message,
	})
}

// isAuthed reports whether the session has completed authentication.
func (sess *Session) isAuthed() bool {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.authed
}

// ClientID returns the authenticated client id, or "" before auth.
func (sess *Session) ClientID() string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.clientID
}
