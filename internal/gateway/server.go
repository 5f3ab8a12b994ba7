// Package gateway exposes the synchronized state and the command path to
// dashboard consumers over HTTP and websocket.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/smart-traffic/trafficsync/internal/auth"
	"github.com/smart-traffic/trafficsync/internal/db"
	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/store"
)

// StateSource is the read side of the store
type StateSource interface {
	Snapshot() store.State
	Subscribe() *store.Subscription
}

// Controller is the command path
type Controller interface {
	SetSignal(id string, color protocol.SignalColor) (string, error)
	ResetAll() ([]string, error)
	Prioritize(id string) ([]string, error)
	ToggleManualMode(on bool) error
	SetOperatingMode(ctx context.Context, mode protocol.Mode) (protocol.Mode, error)
	StartSimulation(ctx context.Context) (protocol.StartSimulationResponse, error)
}

// Authenticator is the backend session used for authenticated fetches
type Authenticator interface {
	Authenticated(ctx context.Context) bool
	Login(ctx context.Context, email, password string) error
	UserDetails(ctx context.Context) (auth.User, error)
	Logout(ctx context.Context) error
}

// CommandLog lists journaled commands
type CommandLog interface {
	RecentCommands(ctx context.Context, limit int) ([]db.Command, error)
}

// Options configure a Server. Auth and Commands are optional.
type Options struct {
	State    StateSource
	Control  Controller
	Auth     Authenticator
	Commands CommandLog
	Health   func() any
	Origins  []string
}

// Server routes consumer requests
type Server struct {
	opts Options
	log  *slog.Logger
	// stop is closed on shutdown; hijacked stream connections watch it
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a server
func New(opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{opts: opts, log: log.With("component", "gateway"), stop: make(chan struct{})}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.Origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/commands", s.handleCommands)

		r.Post("/mode", s.handleMode)
		r.Post("/simulation/start", s.handleStartSimulation)

		r.Route("/control", func(r chi.Router) {
			r.Post("/manual", s.handleManualToggle)
			r.Post("/reset", s.handleReset)
			r.Post("/signals/{signalID}", s.handleSetSignal)
			r.Post("/signals/{signalID}/prioritize", s.handlePrioritize)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.Shutdown)
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("gateway: stopped")
	return nil
}

// Shutdown closes every open stream
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}
