// Package session wires the sync layer together and owns its lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smart-traffic/trafficsync/internal/auth"
	"github.com/smart-traffic/trafficsync/internal/config"
	"github.com/smart-traffic/trafficsync/internal/conn"
	"github.com/smart-traffic/trafficsync/internal/control"
	"github.com/smart-traffic/trafficsync/internal/db"
	"github.com/smart-traffic/trafficsync/internal/metrics"
	"github.com/smart-traffic/trafficsync/internal/poller"
	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/relay"
	"github.com/smart-traffic/trafficsync/internal/store"
)

// Deps are the optional external resources of a session
type Deps struct {
	// DB enables the token store and the diagnostic journal
	DB *db.DB
	// Publisher enables the state relay
	Publisher relay.Publisher
}

// Session is one live connection to the traffic backend and everything
// fed by it. Consumers read Store and mutate only through Control.
type Session struct {
	Store   *store.Store
	Conn    *conn.Manager
	Poller  *poller.Poller
	Control *control.Controller
	// Auth is nil when no auth URL is configured
	Auth *auth.Client
	// DB is nil when the journal is disabled
	DB *db.DB

	cfg     *config.Config
	log     *slog.Logger
	journal *journal
	relay   *relay.Relay
	remove  []func()
	closers []func() error
}

// Open builds the external resources named by cfg and returns a session
// that owns them
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Session, error) {
	var deps Deps
	var closers []func() error
	fail := func(err error) (*Session, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	if cfg.SQLitePath != "" {
		database, err := db.Connect(cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, database.Close)
		if err := database.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		deps.DB = database
	}

	if cfg.RedisAddr != "" {
		pub, err := relay.NewRedisPublisher(ctx, cfg.RedisAddr)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pub.Close)
		deps.Publisher = pub
	}

	s, err := New(cfg, deps, log)
	if err != nil {
		return fail(err)
	}
	s.closers = closers
	return s, nil
}

// New wires a session from cfg and deps without starting it
func New(cfg *config.Config, deps Deps, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		Store: store.New(log),
		DB:    deps.DB,
		cfg:   cfg,
		log:   log.With("component", "session"),
	}

	// Authenticated fetch covers both polls and REST mutations
	var fetcher poller.Fetcher = poller.NewHTTPFetcher(cfg.BackendURL)
	var doer control.Doer = &http.Client{Timeout: cfg.PollTimeout}
	if cfg.AuthURL != "" {
		var tokens auth.TokenStore = &auth.MemoryStore{}
		if deps.DB != nil {
			tokens = deps.DB
		}
		s.Auth = auth.NewClient(cfg.AuthURL, tokens, log)
		fetcher = s.Auth.Fetcher(cfg.BackendURL)
		doer = s.Auth
	}

	s.Poller = poller.New(fetcher, poller.StandardJobs(s.Store, cfg.Intervals), poller.Options{
		Timeout:  cfg.PollTimeout,
		OnResult: s.Store.RecordFeedResult,
	}, log)

	s.Conn = conn.NewManager(conn.Options{
		URL:         cfg.SocketURL,
		Reconnect:   cfg.Reconnect,
		MaxAttempts: cfg.ReconnectAttempts,
		Delay:       cfg.ReconnectDelay,
	}, log)
	s.remove = append(s.remove,
		s.Conn.AddListener(s.Store),
		s.Conn.AddListener(frameTrigger{poller: s.Poller}),
	)

	opts := control.Options{
		AckTimeout: cfg.AckTimeout,
		Batch:      cfg.CommandBatch,
		REST:       control.NewRESTClient(cfg.BackendURL, doer),
	}
	if deps.DB != nil {
		s.journal = newJournal(deps.DB, cfg.Retention(), log)
		opts.OnCommand = s.journal.recordCommand
	}
	s.Control = control.New(s.Conn, s.Store, opts, log)

	if deps.Publisher != nil {
		s.relay = relay.New(deps.Publisher, cfg.RedisChannel, log)
	}
	return s, nil
}

// Run connects, polls and feeds the consumers until ctx is cancelled.
// A terminally disconnected stream does not stop the session; polling
// continues and the connection status tells consumers what happened.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Conn.Connect(gctx)
		<-gctx.Done()
		s.Conn.Disconnect()
		return nil
	})
	g.Go(func() error {
		return s.Poller.Run(gctx)
	})
	if s.relay != nil {
		sub := s.Store.Subscribe()
		g.Go(func() error {
			return s.relay.Run(gctx, sub)
		})
	}
	if s.journal != nil {
		sub := s.Store.Subscribe()
		g.Go(func() error {
			return s.journal.run(gctx, sub)
		})
	}

	s.log.Info("session: running",
		"backend", s.cfg.BackendURL,
		"socket", s.cfg.SocketURL,
		"auth", s.Auth != nil,
		"journal", s.journal != nil,
		"relay", s.relay != nil,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info("session: stopped")
	return err
}

// Close releases the session. Run must have returned.
func (s *Session) Close() error {
	for _, remove := range s.remove {
		remove()
	}
	s.Control.Close()
	s.Conn.Disconnect()
	s.Store.Close()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health summarizes the session for the health endpoint
type Health struct {
	Status     string                      `json:"status"`
	Connection conn.Status                 `json:"connection"`
	Feeds      map[string]store.FeedStatus `json:"feeds"`
	Latency    []metrics.Summary           `json:"latency"`
	Version    uint64                      `json:"version"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// Health reports ok while connected, degraded otherwise
func (s *Session) Health() Health {
	state := s.Store.Snapshot()
	status := "ok"
	if state.Connection.State != conn.Connected {
		status = "degraded"
	}
	for _, f := range state.Feeds {
		if f.ConsecutiveFailures > 0 {
			status = "degraded"
		}
	}
	return Health{
		Status:     status,
		Connection: state.Connection,
		Feeds:      state.Feeds,
		Latency:    s.Poller.Latency(),
		Version:    state.Version,
		Timestamp:  time.Now().UTC(),
	}
}

var _ conn.Listener = frameTrigger{}

// frameTrigger refreshes the junction table as soon as a detection frame
// arrives, ahead of its regular tick
type frameTrigger struct {
	poller *poller.Poller
}

func (f frameTrigger) OnEvent(ev protocol.Event) {
	if _, ok := ev.(protocol.FrameUpdate); ok {
		f.poller.Trigger(poller.JobJunctions)
	}
}

func (frameTrigger) OnStatus(conn.Status) {}
