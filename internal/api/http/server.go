package apihttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server exposes the playback engine over HTTP: session lifecycle, segment
// ingest, host playback signals, program-time lookups, and a WebSocket
// event stream.
type Server struct {
	registry          *SessionRegistry
	sessionCfg        SessionConfig
	maxSessions       int
	allowedOrigins    []string
	broadcastInterval time.Duration
	logger            *slog.Logger
	handler           http.Handler
	wsHub             *wsHub
	done              chan struct{}
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithMaxSessions(max int) ServerOption {
	return func(s *Server) {
		s.maxSessions = max
	}
}

// WithStateBroadcastInterval sets how often session snapshots go out over
// the WebSocket stream. Zero disables the periodic broadcast.
func WithStateBroadcastInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.broadcastInterval = interval
	}
}

func NewServer(sessionCfg SessionConfig, opts ...ServerOption) *Server {
	s := &Server{
		sessionCfg:        sessionCfg,
		broadcastInterval: 2 * time.Second,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	s.registry = NewSessionRegistry(s.sessionCfg, s.maxSessions, s.wsHub, s.logger)

	if s.broadcastInterval > 0 {
		go s.broadcastLoop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/v1/events", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "playback-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			sessions := s.registry.List()
			states := make([]State, 0, len(sessions))
			for _, session := range sessions {
				states = append(states, session.State())
			}
			s.wsHub.BroadcastSessionStates(states)
		}
	}
}

// Registry exposes the session registry for composition in main.
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// Close stops the broadcast loop, tears down every session, and
// disconnects all WebSocket clients.
func (s *Server) Close() {
	close(s.done)
	s.registry.Close()
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
