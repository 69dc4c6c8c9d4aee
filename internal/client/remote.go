package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/protocol"
)

// RequestAction asks the server to move an entity towards a desired
// state. The service call is derived from the entity's namespace.
//
// The cache is updated optimistically before the request goes out, so
// local reads reflect the intent immediately; the next authoritative
// state_changed frame reconciles it either way. The duplex channel is
// preferred; without a live session the call falls back to HTTP.
func (c *Client) RequestAction(ctx context.Context, entityID, desiredState string, params map[string]any) error {
	call := entity.ActionFor(entityID, desiredState, params)

	c.applyOptimistic(entityID, desiredState)

	if conn := c.currentConn(); conn != nil {
		return c.requestOverChannel(ctx, conn, call)
	}
	return c.callServiceHTTP(ctx, call)
}

// requestOverChannel sends a call_service frame and waits for the
// correlated service_response. Whatever happens, the pending entry is
// gone when this returns.
func (c *Client) requestOverChannel(ctx context.Context, conn *websocket.Conn, call entity.ServiceCall) error {
	requestID := uuid.NewString()
	ch := c.registerRequest(requestID)

	err := c.writeFrame(conn, protocol.Message{
		Type:        protocol.TypeCallService,
		RequestID:   requestID,
		Domain:      call.Domain,
		Service:     call.Service,
		ServiceData: call.Data,
	})
	if err != nil {
		c.abandonRequest(requestID)
		// The channel just proved unusable; try the HTTP path.
		return c.callServiceHTTP(ctx, call)
	}

	timer := time.NewTimer(c.reqTimeout)
	defer timer.Stop()

	select {
	case pr := <-ch:
		if pr.err != nil {
			return pr.err
		}
		if !pr.res.Success {
			return fmt.Errorf("%w: %s", ErrActionFailed, pr.res.Error)
		}
		return nil
	case <-timer.C:
		c.abandonRequest(requestID)
		return ErrTimeout
	case <-ctx.Done():
		c.abandonRequest(requestID)
		return ctx.Err()
	}
}

// applyOptimistic speculatively writes the desired state to the cache.
// A failed action leaves the speculative value in place until the next
// authoritative update; that window is accepted.
func (c *Client) applyOptimistic(entityID, desiredState string) {
	c.cacheMu.Lock()
	snap := c.cache[entityID]
	snap.EntityID = entityID
	snap.State = desiredState
	snap.LastUpdated = time.Now().UTC()
	c.cache[entityID] = snap
	c.cacheMu.Unlock()
}

// AvailableEntities fetches the server's full exposure listing.
func (c *Client) AvailableEntities(ctx context.Context) (map[string]entity.Snapshot, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/api/sync/entities", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing entities: unexpected status %d", resp.StatusCode)
	}

	var snaps map[string]entity.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decoding entities: %w", err)
	}
	return snaps, nil
}

// CheckAuth verifies the token against the server.
func (c *Client) CheckAuth(ctx context.Context) error {
	resp, err := c.doJSON(ctx, http.MethodGet, "/api/sync/auth", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrAuthFailed
	default:
		return fmt.Errorf("auth check: unexpected status %d", resp.StatusCode)
	}
}

// Registration is the credential issued by the server at registration.
type Registration struct {
	ClientID string `json:"client_id"`
	Name     string `json:"client_name"`
	Token    string `json:"token"`
}

// Register bootstraps a credential for this client.
//
// It mints a short-lived registration token from the shared secret and
// posts it to the registration endpoint. The issued long-lived token is
// adopted for all subsequent requests and returned for the operator to
// persist in configuration.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	if c.authority == nil {
		return Registration{}, ErrNoCredentials
	}

	regToken, err := c.authority.IssueRegistration()
	if err != nil {
		return Registration{}, fmt.Errorf("minting registration token: %w", err)
	}

	body, err := json.Marshal(map[string]string{"client_name": c.cfg.Name})
	if err != nil {
		return Registration{}, fmt.Errorf("encoding registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.ServerURL+"/api/sync/register_client", bytes.NewReader(body))
	if err != nil {
		return Registration{}, fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+regToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusUnauthorized:
		return Registration{}, ErrAuthFailed
	default:
		return Registration{}, fmt.Errorf("registration: unexpected status %d", resp.StatusCode)
	}

	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return Registration{}, fmt.Errorf("decoding registration response: %w", err)
	}

	c.mu.Lock()
	c.bearer = reg.Token
	c.mu.Unlock()

	c.logger.Info("registered with server", "client_id", reg.ClientID)
	return reg, nil
}

// callServiceHTTP invokes a service over the HTTP endpoint. Used when
// the duplex channel is down.
func (c *Client) callServiceHTTP(ctx context.Context, call entity.ServiceCall) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/sync/call_service", map[string]any{
		"domain":       call.Domain,
		"service":      call.Service,
		"service_data": call.Data,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call_service: unexpected status %d", resp.StatusCode)
	}

	var result protocol.ServiceResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding service result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrActionFailed, result.Error)
	}
	return nil
}

// doJSON issues an authenticated HTTP request against the server.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return resp, nil
}
