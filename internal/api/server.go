// Package api provides the HTTP and WebSocket server for the statesync
// daemon in server mode.
//
// It exposes the sync surface to remote clients: registration and
// revocation, the entity exposure list, service invocation, and the
// duplex channel over which state changes are pushed.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/statesync/internal/credential"
	"github.com/nerrad567/statesync/internal/entity"
	"github.com/nerrad567/statesync/internal/host"
	"github.com/nerrad567/statesync/internal/infrastructure/config"
	"github.com/nerrad567/statesync/internal/infrastructure/logging"
	"github.com/nerrad567/statesync/internal/token"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Store     *credential.Store
	Authority *token.Authority

	// Exposed is the allow-list of entity identifiers served to clients.
	Exposed []string

	// Host capabilities. States and Actions are required; Changes is
	// optional (without it, state updates are pull-only).
	States  host.StateReader
	Actions host.ActionInvoker
	Changes host.ChangeNotifier

	Version string
}

// Server is the HTTP and WebSocket server for statesync.
//
// It manages the HTTP listener, routes, middleware, and the session hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	store     *credential.Store
	authority *token.Authority
	states    host.StateReader
	actions   host.ActionInvoker
	changes   host.ChangeNotifier
	version   string

	// exposed is the exposure allow-list as a set for O(1) checks.
	exposed map[string]struct{}

	server    *http.Server
	hub       *Hub
	changeSub host.Subscription
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if deps.Authority == nil {
		return nil, fmt.Errorf("token authority is required")
	}
	// Host capabilities are optional; service calls fail cleanly without them.

	exposed := make(map[string]struct{}, len(deps.Exposed))
	for _, id := range deps.Exposed {
		exposed[id] = struct{}{}
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.With("component", "api"),
		store:     deps.Store,
		authority: deps.Authority,
		states:    deps.States,
		actions:   deps.Actions,
		changes:   deps.Changes,
		version:   deps.Version,
		exposed:   exposed,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the session hub, subscribes to host state changes for
// broadcast, and launches the HTTP listener in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Broadcast exposed-entity changes to connected sessions.
	if s.changes != nil {
		sub, err := s.changes.Subscribe(s.broadcastStateChange)
		if err != nil {
			return fmt.Errorf("subscribing to host changes: %w", err)
		}
		s.changeSub = sub
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("sync server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("sync server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("sync server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It cancels the host change subscription, disconnects all sessions,
// and waits up to 10 seconds for in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.changeSub != nil {
		s.changeSub.Cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("sync server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down sync server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("sync server not started")
	}

	return nil
}

// isExposed reports whether an entity is on the exposure allow-list.
func (s *Server) isExposed(entityID string) bool {
	_, ok := s.exposed[entityID]
	return ok
}

// broadcastStateChange pushes an exposed-entity snapshot to all
// authenticated sessions. Called from the host change subscription.
func (s *Server) broadcastStateChange(snap entity.Snapshot) {
	if !s.isExposed(snap.EntityID) {
		return
	}
	s.hub.BroadcastState(snap)
}
