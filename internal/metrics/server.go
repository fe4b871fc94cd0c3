// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/pkg/redact"
)

type Server struct {
	server         *http.Server
	basicAuthUsers map[string]string
}

// ParseBasicAuthUsers reads "user:pass,user2:pass2". Malformed entries are
// logged and skipped.
func ParseBasicAuthUsers(config string) map[string]string {
	users := make(map[string]string)
	if config == "" {
		return users
	}
	for cred := range strings.SplitSeq(config, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(cred), ":")
		if !ok || user == "" || pass == "" {
			log.Warn().Msgf("Invalid metrics basic auth credentials: %s", redact.BasicAuthUser(cred))
			continue
		}
		users[user] = pass
	}
	return users
}

func NewMetricsServer(manager *MetricsManager, host string, port int, basicAuthUsersConfig string) *Server {
	s := &Server{
		basicAuthUsers: ParseBasicAuthUsers(basicAuthUsersConfig),
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.routes(manager),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) routes(manager *MetricsManager) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if len(s.basicAuthUsers) > 0 {
		router.Use(middleware.BasicAuth("metrics", s.basicAuthUsers))
	}

	handler := promhttp.HandlerFor(manager.GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	router.Method(http.MethodGet, "/metrics", handler)

	return router
}

func (s *Server) ListenAndServe() error {
	log.Info().
		Str("address", s.server.Addr).
		Msg("Starting Prometheus metrics server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
