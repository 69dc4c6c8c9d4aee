// Package protocol defines the control frames exchanged over the
// statesync duplex channel.
//
// Every frame is a JSON object with a "type" discriminator. The first
// frame on any connection must be an auth frame; everything else is
// rejected until the server replies auth_ok.
package protocol

import "encoding/json"

// Frame types.
const (
	// TypeAuth carries the bearer token; must be the first client frame.
	TypeAuth = "auth"

	// TypeAuthOK confirms successful authentication.
	TypeAuthOK = "auth_ok"

	// TypeAuthFailed rejects authentication; the connection is closed after.
	TypeAuthFailed = "auth_failed"

	// TypeGetEntities requests the server's exposure list.
	TypeGetEntities = "get_entities"

	// TypeEntities carries the exposure list in Data.
	TypeEntities = "entities"

	// TypeSubscribe registers interest in an entity; the server replies
	// with an immediate state_changed snapshot.
	TypeSubscribe = "subscribe"

	// TypeStateChanged carries an entity snapshot in Data.
	TypeStateChanged = "state_changed"

	// TypeCallService requests a host service invocation.
	TypeCallService = "call_service"

	// TypeServiceResponse correlates a call_service result by request_id.
	TypeServiceResponse = "service_response"

	// TypeError reports a protocol-level failure.
	TypeError = "error"
)

// Message is the envelope for all duplex-channel frames. Fields are
// populated according to Type; unused fields are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// Token authenticates the connection (auth frames only).
	Token string `json:"token,omitempty"`

	// EntityID targets subscribe and state_changed frames.
	EntityID string `json:"entity_id,omitempty"`

	// Data carries frame-specific payload: the exposure list for
	// entities frames, an entity snapshot for state_changed frames.
	Data json.RawMessage `json:"data,omitempty"`

	// RequestID correlates call_service with its service_response.
	RequestID string `json:"request_id,omitempty"`

	// Service invocation fields (call_service frames).
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`

	// Result carries the outcome of a call_service (service_response frames).
	Result *ServiceResult `json:"result,omitempty"`

	// Message carries a human-readable description (error frames).
	Message string `json:"message,omitempty"`
}

// ServiceResult is the outcome of a host service invocation.
type ServiceResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
