// Package server wires the gateway: routes, middleware chain, and the
// shared trackers the practice handler depends on.
package server

import (
	"log/slog"
	"net/http"

	"github.com/speaklab/voicecoach/pkg/core/audio"
	"github.com/speaklab/voicecoach/pkg/core/orchestrator"
	"github.com/speaklab/voicecoach/pkg/core/question"
	"github.com/speaklab/voicecoach/pkg/core/state"
	"github.com/speaklab/voicecoach/pkg/gateway/config"
	"github.com/speaklab/voicecoach/pkg/gateway/handlers"
	"github.com/speaklab/voicecoach/pkg/gateway/lifecycle"
	"github.com/speaklab/voicecoach/pkg/gateway/live/sessions"
	"github.com/speaklab/voicecoach/pkg/gateway/metrics"
	"github.com/speaklab/voicecoach/pkg/gateway/mw"
)

// Deps are the long-lived collaborators built once in main.
type Deps struct {
	Gateway   audio.Gateway
	Questions question.Source
	Store     state.Store
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	var observer orchestrator.Observer = orchestrator.NopObserver{}
	if deps.Metrics != nil {
		observer = deps.Metrics
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: cfg, Sessions: s.sessions})
	if deps.Metrics != nil {
		s.mux.Handle("/metrics", deps.Metrics.Handler())
	}
	s.mux.Handle("/v1/practice", handlers.PracticeHandler{
		Config:    cfg,
		Logger:    logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Gateway:   deps.Gateway,
		Questions: deps.Questions,
		Store:     deps.Store,
		Observer:  observer,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})

	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the draining flag for shutdown wiring.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Sessions exposes the live-session tracker for shutdown wiring.
func (s *Server) Sessions() *sessions.Tracker { return s.sessions }
