// Package server exposes the chat and moderation services over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/christopherjohns/chatguard/internal/moderation"
	"github.com/christopherjohns/chatguard/internal/ratelimit"
	"github.com/christopherjohns/chatguard/internal/review"
	"github.com/christopherjohns/chatguard/internal/room"
	"github.com/christopherjohns/chatguard/internal/session"
	"github.com/christopherjohns/chatguard/internal/user"
	"github.com/christopherjohns/chatguard/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ConnInspector reports the live websocket connections.
type ConnInspector interface {
	Stats() ws.ConnStats
	Clients() []ws.ConnInfo
}

// Deps are the services behind the routes. Metrics, WS and Conns may be nil.
type Deps struct {
	Users      *user.Registry
	Sessions   *session.Authenticator
	Moderation *moderation.Service
	Reviews    *review.Queue
	Rooms      *room.Manager
	WS         http.Handler
	Conns      ConnInspector
	Metrics    http.Handler
	Log        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegisterLimiter limits registrations per client IP.
func WithRegisterLimiter(l *ratelimit.IPLimiter) Option {
	return func(s *Server) { s.registerLimit = l }
}

// WithSubmitLimiter limits appeal and report submissions per client IP.
func WithSubmitLimiter(l *ratelimit.IPLimiter) Option {
	return func(s *Server) { s.submitLimit = l }
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server is the HTTP front of the chat service.
type Server struct {
	addr   string
	router chi.Router
	deps   Deps
	log    *slog.Logger

	registerLimit   *ratelimit.IPLimiter
	submitLimit     *ratelimit.IPLimiter
	shutdownTimeout time.Duration
}

// New creates a Server listening on addr.
func New(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		router:          chi.NewRouter(),
		deps:            deps,
		log:             deps.Log,
		shutdownTimeout: 10 * time.Second,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.WS != nil {
		r.Handle("/ws", s.deps.WS)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/check-username", s.handleCheckUsername)
		api.With(s.limit(s.registerLimit)).Post("/register", s.handleRegister)
		api.Post("/verify-token", s.handleVerifyToken)

		api.Post("/ban", s.handleBan)
		api.Post("/unban", s.handleUnban)
		api.Get("/check-ban/{username}", s.handleCheckBan)
		api.Get("/bans", s.handleListBans)

		api.With(s.limit(s.submitLimit)).Post("/appeals", s.handleSubmit(review.KindAppeal))
		api.With(s.limit(s.submitLimit)).Post("/reports", s.handleSubmit(review.KindReport))
		api.Get("/appeals", s.handleListReviews(review.KindAppeal))
		api.Get("/reports", s.handleListReviews(review.KindReport))

		api.Get("/rooms", s.handleListRooms)
		api.Get("/rooms/{id}/members", s.handleRoomMembers)
		if s.deps.Conns != nil {
			api.Get("/connections", s.handleConnections)
		}
	})
}

func (s *Server) limit(l *ratelimit.IPLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware(func(w http.ResponseWriter, r *http.Request) {
		s.log.Warn("rate limit exceeded", "path", r.URL.Path, "ip", ratelimit.ClientIP(r))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error: "Too many requests, try again later",
			Code:  "rate_limited",
		})
	})
}
