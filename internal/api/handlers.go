package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerrad567/statesync/internal/credential"
	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/host"
	"github.com/nerrad567/statesync/internal/protocol"
	"github.com/nerrad567/statesync/internal/token"
)

// handleAuthCheck confirms the caller's token is valid and registered.
// The auth middleware has already done the work by the time we get here.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"client_id":     clientIDFrom(r),
	})
}

// handleListEntities returns the current snapshot of every exposed
// entity, keyed by entity ID. Entities the host has not reported yet
// appear with an empty state so the listing always covers the full
// exposure list.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exposureSnapshots(r.Context()))
}

// exposureSnapshots returns one entry per configured exposure. Host
// state is overlaid where the host has reported it; the rest carry a
// bare snapshot so clients still learn which entities exist.
func (s *Server) exposureSnapshots(ctx context.Context) map[string]entity.Snapshot {
	snapshots := make(map[string]entity.Snapshot, len(s.exposed))
	for id := range s.exposed {
		snapshots[id] = entity.Snapshot{EntityID: id}
		if s.states == nil {
			continue
		}
		snap, err := s.states.State(ctx, id)
		if err != nil {
			if !errors.Is(err, host.ErrEntityUnknown) {
				s.logger.Warn("entity read failed", "entity_id", id, "error", err)
			}
			continue
		}
		snapshots[id] = *snap
	}
	return snapshots
}

// callServiceRequest is the body of POST /api/sync/call_service.
type callServiceRequest struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// handleCallService executes a service call against the host on behalf
// of an authenticated client. Failures are reported in the result body,
// not as HTTP errors: the request was well-formed and authorised, the
// invocation itself just did not succeed.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	var req callServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Domain == "" || req.Service == "" {
		writeBadRequest(w, "domain and service are required")
		return
	}

	result := s.invokeService(r.Context(), req.Domain, req.Service, req.ServiceData)
	writeJSON(w, http.StatusOK, result)
}

// invokeService validates exposure and dispatches a service call to the
// host. Shared by the HTTP handler and the duplex channel.
func (s *Server) invokeService(ctx context.Context, domain, service string, data map[string]any) protocol.ServiceResult {
	entityID, _ := data["entity_id"].(string)
	if entityID == "" {
		return protocol.ServiceResult{Error: "service_data.entity_id is required"}
	}
	if !s.isExposed(entityID) {
		return protocol.ServiceResult{Error: fmt.Sprintf("entity not exposed: %s", entityID)}
	}
	if s.actions == nil {
		return protocol.ServiceResult{Error: "host unavailable"}
	}

	if err := s.actions.Invoke(ctx, domain, service, data); err != nil {
		s.logger.Warn("service invocation failed",
			"domain", domain,
			"service", service,
			"entity_id", entityID,
			"error", err,
		)
		return protocol.ServiceResult{Error: err.Error()}
	}

	s.logger.Info("service invoked",
		"domain", domain,
		"service", service,
		"entity_id", entityID,
	)
	return protocol.ServiceResult{Success: true}
}

// registerRequest is the body of POST /api/sync/register_client.
type registerRequest struct {
	Name     string `json:"client_name"`
	ClientID string `json:"client_id,omitempty"`
}

// handleRegisterClient creates a new client credential.
//
// The endpoint is authenticated by a short-lived registration token:
// minting one requires the shared secret, so possession of the secret
// is the actual credential. Long-lived client tokens are deliberately
// not accepted here.
func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, bearerPrefix) {
		writeUnauthorized(w, "missing or malformed authorization header")
		return
	}

	subject, err := s.authority.Verify(strings.TrimPrefix(header, bearerPrefix))
	if err != nil || subject != token.RegistrationSubject {
		writeUnauthorized(w, "registration token required")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "client_name is required")
		return
	}

	rec, err := s.store.Register(r.Context(), req.Name, req.ClientID)
	if err != nil {
		if errors.Is(err, credential.ErrDuplicateID) {
			writeConflict(w, "client id already registered")
			return
		}
		s.logger.Error("client registration failed", "name", req.Name, "error", err)
		writeInternalError(w, "registration failed")
		return
	}

	s.logger.Info("client registered", "client_id", rec.ID, "name", rec.Name)

	// The issued token is returned exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":   rec.ID,
		"client_name": rec.Name,
		"token":       rec.Token,
	})
}

// revokeRequest is the body of POST /api/sync/revoke_client.
type revokeRequest struct {
	ClientID string `json:"client_id"`
}

// handleRevokeClient removes a client credential. Tokens for the
// revoked subject keep verifying cryptographically but fail the
// membership check from the next request on.
func (s *Server) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ClientID == "" {
		writeBadRequest(w, "client_id is required")
		return
	}

	revoked, err := s.store.Revoke(r.Context(), req.ClientID)
	if err != nil {
		s.logger.Error("client revocation failed", "client_id", req.ClientID, "error", err)
		writeInternalError(w, "revocation failed")
		return
	}

	if revoked {
		s.logger.Info("client revoked", "client_id", req.ClientID, "by", clientIDFrom(r))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": revoked,
	})
}

// handleListClients returns the registered client roster keyed by
// client id. Tokens are never serialised (the field is excluded from
// JSON).
func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	records := s.store.List()
	clients := make(map[string]credential.Record, len(records))
	for _, rec := range records {
		clients[rec.ID] = rec
	}
	writeJSON(w, http.StatusOK, clients)
}
