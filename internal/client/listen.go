package client

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/protocol"
)

// listen reads frames from the connection until it drops, then fails
// all in-flight requests and schedules a reconnect.
func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Debug("listen loop ended", "error", err)
			break
		}
		c.handleFrame(msg)
	}

	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()

	c.failPending(ErrConnectionLost)

	if !closed {
		c.scheduleReconnect()
	}
}

// handleFrame routes one inbound frame.
func (c *Client) handleFrame(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeStateChanged:
		c.handleStateChanged(msg)
	case protocol.TypeServiceResponse:
		if msg.Result != nil {
			c.completeRequest(msg.RequestID, *msg.Result)
		}
	case protocol.TypeEntities:
		c.handleEntities(msg)
	case protocol.TypeError:
		c.logger.Warn("server error frame", "message", msg.Message)
	default:
		c.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

// handleStateChanged applies an authoritative snapshot to the cache,
// notifies change handlers, and mirrors it to the local platform.
func (c *Client) handleStateChanged(msg protocol.Message) {
	var snap entity.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		c.logger.Warn("malformed state_changed frame", "error", err)
		return
	}
	if snap.EntityID == "" {
		snap.EntityID = msg.EntityID
	}
	if snap.EntityID == "" {
		return
	}

	c.cacheMu.Lock()
	c.cache[snap.EntityID] = *snap.Clone()
	c.cacheMu.Unlock()

	c.notifyChange(snap)

	if c.mirror != nil {
		if err := c.mirror.Apply(context.Background(), snap); err != nil {
			c.logger.Warn("mirror write failed", "entity_id", snap.EntityID, "error", err)
		}
	}
}

// handleEntities seeds the cache from a full exposure listing.
func (c *Client) handleEntities(msg protocol.Message) {
	var snaps map[string]entity.Snapshot
	if err := json.Unmarshal(msg.Data, &snaps); err != nil {
		c.logger.Warn("malformed entities frame", "error", err)
		return
	}

	c.cacheMu.Lock()
	for id, snap := range snaps {
		snap.EntityID = id
		c.cache[id] = snap
	}
	c.cacheMu.Unlock()
}

// notifyChange invokes every registered change handler.
func (c *Client) notifyChange(snap entity.Snapshot) {
	c.handlerMu.RLock()
	handlers := make([]func(entity.Snapshot), len(c.handlers))
	copy(handlers, c.handlers)
	c.handlerMu.RUnlock()

	for _, fn := range handlers {
		fn(*snap.Clone())
	}
}

// registerRequest adds an entry to the pending-request table.
func (c *Client) registerRequest(requestID string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch
}

// completeRequest delivers a result to a waiting request. The entry is
// removed under the lock before delivery, so a request completes at
// most once no matter how response, timeout, and disconnect race.
func (c *Client) completeRequest(requestID string, res protocol.ServiceResult) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- pendingResult{res: res}
	}
}

// abandonRequest removes a pending entry without delivering a result.
// Used by the timeout and cancellation paths.
func (c *Client) abandonRequest(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// failPending fails every in-flight request with the given error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}
