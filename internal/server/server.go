// Package server constructs and starts the room relay HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/room"
)

// Server bundles the handlers of the relay with the state they share.
type Server struct {
	cfg       Config
	rooms     *room.Registry
	hub       *Hub
	log       *slog.Logger
	origins   *originPolicy
	upgrader  websocket.Upgrader
	newRoomID func() string
	pages     *template.Template
	metrics   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes g at /metrics and records session events on m.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		if m != nil {
			s.hub.observer = m
		}
		if g != nil {
			s.metrics = metrics.Handler(g)
		}
	}
}

// WithRoomIDGenerator overrides room identifier generation.
func WithRoomIDGenerator(gen func() string) Option {
	return func(s *Server) {
		if gen != nil {
			s.newRoomID = gen
		}
	}
}

// New creates a Server for cfg backed by rooms.
func New(cfg Config, rooms *room.Registry, log *slog.Logger, opts ...Option) (*Server, error) {
	cfg = cfg.Sanitize()

	gen, err := NewRoomIDGenerator(cfg.RoomIDLength)
	if err != nil {
		return nil, err
	}

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		rooms:     rooms,
		hub:       NewHub(rooms, log, nil),
		log:       log,
		origins:   newOriginPolicy(cfg.AllowedOrigins, log),
		newRoomID: gen,
		pages:     pages,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Hub returns the hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. A server
// closed by Shutdown returns nil.
func StartServer(server *http.Server, log *slog.Logger) error {
	log.Info("server.listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, log *slog.Logger) error {
	log.Info("server.shutdown.start")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server.shutdown.failed", "err", err)
		return err
	}

	log.Info("server.shutdown.complete")
	return nil
}
