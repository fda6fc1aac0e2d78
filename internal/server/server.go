package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/NTitterton/agorusta/internal/auth"
	"github.com/NTitterton/agorusta/internal/config"
	"github.com/NTitterton/agorusta/internal/dispatch"
	"github.com/NTitterton/agorusta/internal/store"
	"github.com/NTitterton/agorusta/internal/telemetry"
)

// Server wires the websocket endpoint and the HTTP API over the shared
// directory, store, and dispatcher. All state is owned here and passed down;
// there are no package-level registries.
type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	verifier   *auth.Verifier
	directory  Directory
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	hub        *Hub
	metrics    *telemetry.Metrics
	upgrader   websocket.Upgrader
}

// New assembles a Server from its collaborators.
func New(cfg config.Config, verifier *auth.Verifier, dir Directory, st *store.Store, dispatcher *dispatch.Dispatcher, hub *Hub, metrics *telemetry.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "server").Logger(),
		verifier:   verifier,
		directory:  dir,
		store:      st,
		dispatcher: dispatcher,
		hub:        hub,
		metrics:    metrics,
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	return s
}

// handleWebSocket authenticates the handshake, upgrades the connection, and
// registers it with the directory and the hub. The token travels as a query
// parameter because browser websocket clients cannot set headers. A missing
// or invalid token rejects the handshake before any directory entry exists.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("websocket handshake rejected")
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	if err := s.directory.Register(connID, identity.UserID); err != nil {
		s.log.Error().Str("connection_id", connID).Err(err).Msg("directory register failed")
		_ = ws.Close()
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit.PerSecond), s.cfg.RateLimit.Burst)
	c := newConn(ws, s.hub, s.directory, connID, identity.UserID, s.cfg.MaxMessageSize, limiter, s.log)

	select {
	case s.hub.register <- c:
	case <-s.hub.ctx.Done():
		_ = ws.Close()
		if err := s.directory.Deregister(connID); err != nil {
			s.log.Error().Str("connection_id", connID).Err(err).Msg("deregister failed during shutdown")
		}
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ok")
}
