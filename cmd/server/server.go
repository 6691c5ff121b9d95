package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/config"
	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/security"
	"github.com/avaropoint/devmirror/internal/session"
	"github.com/avaropoint/devmirror/internal/store"
	"github.com/avaropoint/devmirror/internal/supervisor"
)

// AgentController starts and stops the mirroring agent on a device.
type AgentController interface {
	Ensure(ctx context.Context, serial string) (*supervisor.AgentProcess, error)
	Stop(ctx context.Context, serial string) error
}

// Server holds the shared state behind the HTTP and WebSocket handlers.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	bridge   adb.Bridge
	tracker  *fleet.Tracker
	agents   AgentController
	store    store.Store
	counter  *session.ConnectionCounter
	registry *session.Registry

	// sessions counts hijacked WebSocket connections, which
	// http.Server.Shutdown does not wait for.
	sessions sync.WaitGroup
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, bridge adb.Bridge, tracker *fleet.Tracker, agents AgentController, db store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.Named("server"),
		bridge:  bridge,
		tracker: tracker,
		agents:  agents,
		store:   db,
		counter: session.NewConnectionCounter(),
	}
	s.registry = s.channels()
	return s
}

// Router builds the HTTP routes. With auth enabled everything except key
// verification requires an API key.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/auth/verify", s.handleAuthVerify).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	if s.cfg.Server.Auth {
		protected.Use(security.NewAuthMiddleware(s.store, s.log).Wrap)
	}

	api := protected.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{udid}/agent", s.handleEnsureAgent).Methods(http.MethodPost)
	api.HandleFunc("/devices/{udid}/agent", s.handleStopAgent).Methods(http.MethodDelete)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{udid}", s.handleForget).Methods(http.MethodDelete)
	api.HandleFunc("/keys", s.handleListKeys).Methods(http.MethodGet)
	api.HandleFunc("/keys/{id}", s.handleDeleteKey).Methods(http.MethodDelete)

	protected.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

// BaseContext ties request contexts to ctx so that WebSocket sessions end
// when the server shuts down.
func (s *Server) BaseContext(ctx context.Context) func(net.Listener) context.Context {
	return func(net.Listener) context.Context { return ctx }
}

// Wait blocks until every WebSocket session has ended.
func (s *Server) Wait() { s.sessions.Wait() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
