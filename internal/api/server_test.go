package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/statesync/internal/credential"
	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/host"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/protocol"
	"github.com/nerrad567/statesync/internal/token"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

// memRepo is an in-memory credential.Repository for tests.
type memRepo struct {
	mu      sync.Mutex
	records map[string]credential.Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]credential.Record)}
}

func (r *memRepo) Insert(_ context.Context, rec *credential.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.ID]; exists {
		return credential.ErrDuplicateID
	}
	r.records[rec.ID] = *rec
	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.records[id]
	delete(r.records, id)
	return existed, nil
}

func (r *memRepo) List(_ context.Context) ([]credential.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]credential.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

// fakeStates serves snapshots from a fixed map.
type fakeStates struct {
	mu    sync.Mutex
	snaps map[string]entity.Snapshot
}

func (f *fakeStates) State(_ context.Context, entityID string) (*entity.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[entityID]
	if !ok {
		return nil, host.ErrEntityUnknown
	}
	return snap.Clone(), nil
}

// fakeInvoker records service invocations.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
	err   error
}

type invocation struct {
	domain  string
	service string
	data    map[string]any
}

func (f *fakeInvoker) Invoke(_ context.Context, domain, service string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, invocation{domain: domain, service: service, data: data})
	return nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeNotifier captures the server's change callback so tests can emit
// host state changes.
type fakeNotifier struct {
	mu sync.Mutex
	fn func(entity.Snapshot)
}

type fakeSub struct{}

func (fakeSub) Cancel() {}

func (f *fakeNotifier) Subscribe(fn func(entity.Snapshot)) (host.Subscription, error) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return fakeSub{}, nil
}

func (f *fakeNotifier) emit(snap entity.Snapshot) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// testEnv bundles a running test server with its collaborators.
type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	store    *credential.Store
	states   *fakeStates
	invoker  *fakeInvoker
	notifier *fakeNotifier

	clientID    string
	clientToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	authority := token.NewAuthority(testSecret, 0, 0)
	store := credential.NewStore(newMemRepo(), authority)

	rec, err := store.Register(context.Background(), "test-client", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	states := &fakeStates{snaps: map[string]entity.Snapshot{
		"light.kitchen": {EntityID: "light.kitchen", State: "on", Attributes: map[string]any{"brightness": float64(200)}},
		"switch.porch":  {EntityID: "switch.porch", State: "off"},
	}}
	invoker := &fakeInvoker{}
	notifier := &fakeNotifier{}

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
	srv, err := New(Deps{
		WS:        config.WebSocketConfig{MaxMessageSize: 65536, PingInterval: 30, PongTimeout: 10},
		Logger:    logger,
		Store:     store,
		Authority: authority,
		Exposed:   []string{"light.kitchen", "switch.porch"},
		States:    states,
		Actions:   invoker,
		Changes:   notifier,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Run the hub and router without opening a real listener.
	ctx, cancel := context.WithCancel(context.Background())
	srv.hub = NewHub(srv.wsCfg, srv.logger)
	go srv.hub.Run(ctx)
	sub, err := notifier.Subscribe(srv.broadcastStateChange)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	srv.changeSub = sub

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return &testEnv{
		srv:         srv,
		ts:          ts,
		store:       store,
		states:      states,
		invoker:     invoker,
		notifier:    notifier,
		clientID:    rec.ID,
		clientToken: rec.Token,
	}
}

// doRequest issues an HTTP request against the test server.
func (e *testEnv) doRequest(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodGet, "/api/sync/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestAuthCheck(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodGet, "/api/sync/auth", env.clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["authenticated"] != true {
		t.Error("authenticated = false, want true")
	}
	if body["client_id"] != env.clientID {
		t.Errorf("client_id = %v, want %s", body["client_id"], env.clientID)
	}
}

func TestAuthRejectsMissingAndMalformedHeaders(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic abc123"},
		{"garbage token", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/sync/auth", nil)
			if tt.header != "" {
				if strings.HasPrefix(tt.header, "Basic") {
					req.Header.Set("Authorization", tt.header)
				} else {
					req.Header.Set("Authorization", "Bearer "+tt.header)
				}
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestAuthRejectsRevokedClient(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.Revoke(context.Background(), env.clientID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	// The token still verifies cryptographically; membership fails.
	resp := env.doRequest(t, http.MethodGet, "/api/sync/auth", env.clientToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListEntities(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodGet, "/api/sync/entities", env.clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]entity.Snapshot
	decodeBody(t, resp, &body)
	if len(body) != 2 {
		t.Fatalf("got %d entities, want 2", len(body))
	}
	if body["light.kitchen"].State != "on" {
		t.Errorf("light.kitchen state = %q, want on", body["light.kitchen"].State)
	}
}

func TestListEntitiesIncludesUnreported(t *testing.T) {
	env := newTestEnv(t)

	env.states.mu.Lock()
	delete(env.states.snaps, "switch.porch")
	env.states.mu.Unlock()

	resp := env.doRequest(t, http.MethodGet, "/api/sync/entities", env.clientToken, nil)
	var body map[string]entity.Snapshot
	decodeBody(t, resp, &body)

	// The listing covers the configured exposure list even when the
	// host has nothing for an entity yet.
	porch, ok := body["switch.porch"]
	if !ok {
		t.Fatal("unreported entity missing from listing")
	}
	if porch.EntityID != "switch.porch" || porch.State != "" {
		t.Errorf("placeholder = %+v, want bare snapshot for switch.porch", porch)
	}
	if body["light.kitchen"].State != "on" {
		t.Errorf("light.kitchen state = %q, want on", body["light.kitchen"].State)
	}
}

func TestCallService(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodPost, "/api/sync/call_service", env.clientToken, map[string]any{
		"domain":       "light",
		"service":      "turn_on",
		"service_data": map[string]any{"entity_id": "light.kitchen", "brightness": 128},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result protocol.ServiceResult
	decodeBody(t, resp, &result)
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}

	if env.invoker.callCount() != 1 {
		t.Fatalf("invoker called %d times, want 1", env.invoker.callCount())
	}
	call := env.invoker.calls[0]
	if call.domain != "light" || call.service != "turn_on" {
		t.Errorf("invoked %s.%s, want light.turn_on", call.domain, call.service)
	}
}

func TestCallServiceNotExposed(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodPost, "/api/sync/call_service", env.clientToken, map[string]any{
		"domain":       "light",
		"service":      "turn_on",
		"service_data": map[string]any{"entity_id": "light.secret"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result protocol.ServiceResult
	decodeBody(t, resp, &result)
	if result.Success {
		t.Error("success = true for non-exposed entity")
	}
	if env.invoker.callCount() != 0 {
		t.Error("host invoked for non-exposed entity")
	}
}

func TestRegisterClient(t *testing.T) {
	env := newTestEnv(t)

	authority := token.NewAuthority(testSecret, 0, 0)
	regToken, err := authority.IssueRegistration()
	if err != nil {
		t.Fatalf("IssueRegistration() error = %v", err)
	}

	resp := env.doRequest(t, http.MethodPost, "/api/sync/register_client", regToken, map[string]any{
		"client_name": "cabin",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["client_name"] != "cabin" {
		t.Errorf("client_name = %v, want cabin", body["client_name"])
	}
	issued, _ := body["token"].(string)
	if issued == "" {
		t.Fatal("no token in registration response")
	}

	// The issued token must pass the full auth path.
	authResp := env.doRequest(t, http.MethodGet, "/api/sync/auth", issued, nil)
	if authResp.StatusCode != http.StatusOK {
		t.Errorf("issued token rejected with status %d", authResp.StatusCode)
	}
}

func TestRegisterClientRejectsClientToken(t *testing.T) {
	env := newTestEnv(t)

	// A long-lived client token must not authorise registration.
	resp := env.doRequest(t, http.MethodPost, "/api/sync/register_client", env.clientToken, map[string]any{
		"client_name": "intruder",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterClientDuplicateID(t *testing.T) {
	env := newTestEnv(t)

	authority := token.NewAuthority(testSecret, 0, 0)
	regToken, _ := authority.IssueRegistration()

	resp := env.doRequest(t, http.MethodPost, "/api/sync/register_client", regToken, map[string]any{
		"client_name": "duplicate",
		"client_id":   env.clientID,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRevokeClient(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.store.Register(context.Background(), "victim", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	resp := env.doRequest(t, http.MethodPost, "/api/sync/revoke_client", env.clientToken, map[string]any{
		"client_id": rec.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["success"] != true {
		t.Error("success = false, want true")
	}

	// The revoked client's token no longer authenticates.
	authResp := env.doRequest(t, http.MethodGet, "/api/sync/auth", rec.Token, nil)
	if authResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token accepted with status %d", authResp.StatusCode)
	}
}

func TestRevokeUnknownClient(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodPost, "/api/sync/revoke_client", env.clientToken, map[string]any{
		"client_id": "no-such-client",
	})
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["success"] != false {
		t.Error("success = true for unknown client")
	}
}

func TestListClientsNeverReturnsTokens(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doRequest(t, http.MethodGet, "/api/sync/clients", env.clientToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The roster is a map keyed by client id.
	var clients map[string]map[string]any
	decodeBody(t, resp, &clients)
	if len(clients) != 1 {
		t.Fatalf("got %d clients, want 1", len(clients))
	}
	rec, ok := clients[env.clientID]
	if !ok {
		t.Fatalf("listing not keyed by client id, got keys %v", clients)
	}
	if rec["client_name"] != "test-client" {
		t.Errorf("client_name = %v, want test-client", rec["client_name"])
	}
	for key := range rec {
		if key == "token" {
			t.Error("token serialised in client listing")
		}
	}
}
