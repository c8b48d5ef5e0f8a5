// Package api exposes the ReminderPipe conversation and trigger services over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/ReminderPipe/internal/assistant"
	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/config"
	"github.com/BTreeMap/ReminderPipe/internal/models"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

// Server timeouts.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

// Assistant is the service the HTTP handlers drive.
type Assistant interface {
	StartSession(ctx context.Context) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	HandleTurn(ctx context.Context, sessionID, userText string) (*assistant.TurnResponse, error)
	Chat(ctx context.Context, sessionID, userText string) (*assistant.TurnResponse, error)
	Finalize(ctx context.Context, sessionID string) (*assistant.FinalizeResult, error)
	GetTrigger(ctx context.Context, triggerID string) (*store.TriggerRecord, error)
	HomeTriggers(ctx context.Context, home compiler.HomeConfig) (models.HomeTriggerList, error)
}

var _ Assistant = (*assistant.Service)(nil)

// Server serves the ReminderPipe HTTP API.
type Server struct {
	svc             Assistant
	addr            string
	home            compiler.HomeConfig
	shutdownTimeout time.Duration
	now             func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithHomeConfig sets the home settings used for bundled trigger lists. A
// server serves one home: when HomeID is set, requests for any other home id
// are not found; when it is empty, the path id names the bundle.
func WithHomeConfig(home compiler.HomeConfig) Option {
	return func(s *Server) {
		s.home = home
	}
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithClock replaces time.Now for health reports.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a Server over svc.
func NewServer(svc Assistant, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		addr:            config.DefaultAPIAddr,
		home:            compiler.HomeConfig{NewDayStartTime: compiler.DefaultNewDayStartTime},
		shutdownTimeout: DefaultShutdownTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthHandler)
	r.Post("/chat", s.chatHandler)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.startSessionHandler)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Post("/turns", s.turnHandler)
			r.Post("/finalize", s.finalizeHandler)
		})
	})
	r.Get("/triggers/{triggerID}", s.getTriggerHandler)
	r.Get("/homes/{homeID}/triggers", s.homeTriggersHandler)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
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

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
