// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/api/handlers"
	"github.com/growkey/growkey/internal/api/middleware"
	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/services/license"
)

const (
	// bot endpoints: concurrent requests in flight, queued requests, queue wait
	authThrottleLimit   = 64
	authThrottleBacklog = 512
	authThrottleWait    = 10 * time.Second
)

// Dependencies are the collaborators the HTTP boundary consumes.
type Dependencies struct {
	Config       *config.AppConfig
	Engine       handlers.TokenEngine
	Licenses     *license.Service
	HealthChecks map[string]handlers.Pinger
}

type Server struct {
	deps *Dependencies

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() (*chi.Mux, error) {
	cfg := s.deps.Config.Snapshot()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger(log.Logger.With().Str("module", "http").Logger()))
	r.Use(middleware.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "X-API-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	// SSE must reach the client unbuffered.
	compressor, err := httpcompression.DefaultAdapter(httpcompression.ContentTypes([]string{"text/event-stream"}, true))
	if err != nil {
		return nil, errors.Wrap(err, "create compression middleware")
	}
	r.Use(compressor)

	r.Route("/health", handlers.NewHealthHandler(s.deps.HealthChecks).Routes)

	authHandler := handlers.NewAuthHandler(s.deps.Engine)
	licenseHandler := handlers.NewLicenseHandler(s.deps.Licenses)
	logsHandler := handlers.NewLogsHandler(s.deps.Config)
	versionHandler := handlers.NewVersionHandler()

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.ThrottleBacklog(authThrottleLimit, authThrottleBacklog, authThrottleWait))
			authHandler.Routes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(func() string {
				return s.deps.Config.Snapshot().AdminAPIKey
			}))
			r.Route("/licenses", licenseHandler.Routes)
			logsHandler.Routes(r)
			r.Get("/version", versionHandler.GetVersion)
		})
	})

	return r, nil
}

func (s *Server) ListenAndServe() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	cfg := s.deps.Config.Snapshot()
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Info().Str("address", srv.Addr).Msg("Starting API server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. Called before ListenAndServe, it makes
// ListenAndServe return without listening.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
