// Package api exposes the HTTP surface: public subscription, self-service
// management, tracking endpoints, the newsletter archive, and the
// administrator API behind magic-link sessions.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/COSCUP/newsletter/internal/audit"
	"github.com/COSCUP/newsletter/internal/captcha"
	"github.com/COSCUP/newsletter/internal/config"
	"github.com/COSCUP/newsletter/internal/csvio"
	"github.com/COSCUP/newsletter/internal/email"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/repository/postgres"
	"github.com/COSCUP/newsletter/internal/service/delivery"
	"github.com/COSCUP/newsletter/internal/service/ratelimit"
	"github.com/COSCUP/newsletter/internal/service/session"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/service/tracking"
	"github.com/COSCUP/newsletter/internal/service/verification"
)

// StatsSource aggregates tracking events for the admin stats endpoint.
type StatsSource interface {
	StatsByTopic(ctx context.Context, topic string) (*postgres.TopicStats, error)
}

// Server wires the service layer to HTTP.
type Server struct {
	cfg      *config.Config
	subs     *subscriber.Service
	tokens   *verification.Service
	sessions *session.Service
	limiter  *ratelimit.Limiter
	captcha  captcha.Verifier
	recorder *tracking.Recorder
	orch     *delivery.Orchestrator
	notifier *email.Notifier
	importer *csvio.Importer
	audit    *audit.Logger
	stats    StatsSource

	router chi.Router
	server *http.Server
}

// Deps carries everything the server needs; all fields are required.
type Deps struct {
	Config   *config.Config
	Subs     *subscriber.Service
	Tokens   *verification.Service
	Sessions *session.Service
	Limiter  *ratelimit.Limiter
	Captcha  captcha.Verifier
	Recorder *tracking.Recorder
	Orch     *delivery.Orchestrator
	Notifier *email.Notifier
	Importer *csvio.Importer
	Audit    *audit.Logger
	Stats    StatsSource
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		subs:     d.Subs,
		tokens:   d.Tokens,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		captcha:  d.Captcha,
		recorder: d.Recorder,
		orch:     d.Orch,
		notifier: d.Notifier,
		importer: d.Importer,
		audit:    d.Audit,
		stats:    d.Stats,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	logger.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
