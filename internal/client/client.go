package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/host"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/protocol"
	"github.com/nerrad567/statesync/internal/token"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateListening    = "listening"
)

const (
	// reconnectDelay is the fixed interval between reconnect attempts.
	// Deliberately constant: statesync links a small fixed set of homes,
	// so backoff and jitter buy nothing and make recovery time
	// unpredictable.
	reconnectDelay = 30 * time.Second

	// requestTimeout bounds the wait for a service_response frame.
	requestTimeout = 10 * time.Second

	// dialTimeout bounds the WebSocket handshake and the auth reply.
	dialTimeout = 10 * time.Second
)

// Deps holds the dependencies required by the sync client.
type Deps struct {
	Config config.ClientConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger

	// Authority is optional; when set, the client can mint registration
	// tokens and bootstrap its own credential via Register().
	Authority *token.Authority

	// Mirror is optional; imported entity changes are written through
	// to it so the local platform reflects remote state.
	Mirror host.StateWriter

	// Commands is optional; locally requested actions on imported
	// entities are dispatched to the server via RequestAction.
	Commands host.CommandSource
}

// pendingResult is the outcome delivered to a waiting service request.
type pendingResult struct {
	res protocol.ServiceResult
	err error
}

// Client mirrors entities from a remote statesync server.
//
// It maintains one duplex connection, a local snapshot cache fed by
// state_changed frames, and a pending-request table correlating
// call_service frames with their responses. A dropped connection fails
// all in-flight requests and schedules a single reconnect attempt
// after a fixed delay.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg       config.ClientConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	authority *token.Authority
	mirror    host.StateWriter
	commands  host.CommandSource
	http      *http.Client

	// reqTimeout bounds the wait for a correlated service_response.
	// Defaults to requestTimeout; tests shorten it.
	reqTimeout time.Duration

	mu             sync.RWMutex
	state          string
	conn           *websocket.Conn
	bearer         string
	closed         bool
	reconnectTimer *time.Timer

	// writeMu serialises frame writes; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]entity.Snapshot

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	handlerMu sync.RWMutex
	handlers  []func(entity.Snapshot)

	wg sync.WaitGroup
}

// New creates a sync client. The client does not connect until
// Connect() or Run() is called.
func New(deps Deps) (*Client, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Config.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if _, err := url.Parse(deps.Config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}
	if deps.Config.Token == "" && deps.Authority == nil {
		return nil, fmt.Errorf("either a token or the shared secret is required")
	}

	return &Client{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger.With("component", "client"),
		authority:  deps.Authority,
		mirror:     deps.Mirror,
		commands:   deps.Commands,
		http:       &http.Client{Timeout: requestTimeout},
		reqTimeout: requestTimeout,
		state:      StateDisconnected,
		bearer:     deps.Config.Token,
		cache:      make(map[string]entity.Snapshot),
		pending:    make(map[string]chan pendingResult),
	}, nil
}

// Connect establishes the duplex channel: dial, authenticate, subscribe
// to every imported entity, and start the listen loop.
//
// On any failure the client returns to disconnected and schedules one
// reconnect attempt after the fixed delay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// Guard on state rather than the conn pointer: conn stays nil for
	// the whole dial and auth handshake, and a second caller entering
	// during that window would race the first for the conn slot.
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	bearer := c.bearer
	c.mu.Unlock()

	wsURL, err := wsEndpoint(c.cfg.ServerURL)
	if err != nil {
		c.toDisconnected()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.toDisconnected()
		c.scheduleReconnect()
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	// Auth handshake: first frame out, first frame back.
	if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeAuth, Token: bearer}); err != nil {
		conn.Close()
		c.toDisconnected()
		c.scheduleReconnect()
		return fmt.Errorf("sending auth frame: %w", err)
	}

	//nolint:errcheck // Best-effort deadline on handshake
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	var reply protocol.Message
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		c.toDisconnected()
		c.scheduleReconnect()
		return fmt.Errorf("reading auth reply: %w", err)
	}
	//nolint:errcheck // Deadline cleared; listen loop manages its own
	conn.SetReadDeadline(time.Time{})

	if reply.Type != protocol.TypeAuthOK {
		conn.Close()
		c.toDisconnected()
		// Auth rejection is not transient; no reconnect until the next
		// health check or an explicit Connect.
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateListening
	c.mu.Unlock()

	// Subscribe to every imported entity; each subscription yields an
	// immediate snapshot that seeds the cache.
	for _, entityID := range c.cfg.ImportedEntities {
		if err := c.writeFrame(conn, protocol.Message{
			Type:     protocol.TypeSubscribe,
			EntityID: entityID,
		}); err != nil {
			c.logger.Warn("subscribe failed", "entity_id", entityID, "error", err)
		}
	}

	c.wg.Add(1)
	go c.listen(conn)

	c.logger.Info("connected", "server", c.cfg.ServerURL, "entities", len(c.cfg.ImportedEntities))
	return nil
}

// Run keeps the client connected until the context is cancelled.
//
// It wires the local command source (if any), connects immediately, and
// then verifies the connection at every health check interval,
// reconnecting when it finds the channel down.
func (c *Client) Run(ctx context.Context) error {
	if c.commands != nil {
		sub, err := c.commands.SubscribeCommands(c.dispatchCommand)
		if err != nil {
			return fmt.Errorf("subscribing to local commands: %w", err)
		}
		defer sub.Cancel()
	}

	// Connect failures here and below only warn; the ticker keeps
	// retrying every interval. A permanently rejected token therefore
	// shows up as a repeating "reconnect failed" ErrAuthFailed log, not
	// a terminal error. Operators should treat that pattern as a cue to
	// re-register the client.
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("initial connect failed", "error", err)
	}

	interval := time.Duration(c.cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.Connected() {
				continue
			}
			c.logger.Info("health check found connection down, reconnecting")
			if err := c.Connect(ctx); err != nil {
				c.logger.Warn("reconnect failed", "error", err)
			}
		}
	}
}

// dispatchCommand forwards a locally requested action to the server.
func (c *Client) dispatchCommand(cmd host.Command) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.reqTimeout)
		defer cancel()
		if err := c.RequestAction(ctx, cmd.EntityID, cmd.State, cmd.Params); err != nil {
			c.logger.Warn("local command dispatch failed",
				"entity_id", cmd.EntityID,
				"state", cmd.State,
				"error", err,
			)
		}
	}()
}

// Close shuts the client down: cancels any scheduled reconnect, fails
// all pending requests, and closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending(ErrConnectionLost)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// State returns the connection state.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the duplex channel is up and listening.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.state == StateListening
}

// Token returns the bearer token currently in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer
}

// EntityState returns the cached snapshot for an imported entity.
func (c *Client) EntityState(entityID string) (*entity.Snapshot, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	snap, ok := c.cache[entityID]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// Entities returns a copy of the full snapshot cache.
func (c *Client) Entities() map[string]entity.Snapshot {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	out := make(map[string]entity.Snapshot, len(c.cache))
	for id, snap := range c.cache {
		out[id] = *snap.Clone()
	}
	return out
}

// OnChange registers a callback invoked for every authoritative state
// change received from the server. Callbacks must not block.
func (c *Client) OnChange(fn func(entity.Snapshot)) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, fn)
	c.handlerMu.Unlock()
}

// toDisconnected moves the state machine back to disconnected.
func (c *Client) toDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// scheduleReconnect arms a single reconnect attempt after the fixed
// delay. A timer already armed, or a closed client, leaves it alone.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("scheduled reconnect failed", "error", err)
		}
	})
}

// currentConn returns the live connection, or nil when disconnected.
func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateListening {
		return nil
	}
	return c.conn
}

// writeFrame serialises one frame write to the connection.
func (c *Client) writeFrame(conn *websocket.Conn, msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// wsEndpoint converts the configured server URL into the duplex
// channel endpoint: http becomes ws, https becomes wss.
func wsEndpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server_url scheme: %s", u.Scheme)
	}
	u.Path = "/api/sync/ws"
	return u.String(), nil
}
