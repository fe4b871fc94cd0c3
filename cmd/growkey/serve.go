// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/growkey/growkey/internal/api"
	"github.com/growkey/growkey/internal/api/handlers"
	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/buildinfo"
	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/domain"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/metrics"
	"github.com/growkey/growkey/internal/services/license"
	"github.com/growkey/growkey/internal/services/session"
)

const shutdownTimeout = 15 * time.Second

func RunServeCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the token server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			return serve(ctx, cfg)
		},
	}
	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func engineConfig(c domain.Config) session.Config {
	return session.Config{
		EncryptionKey:   c.EncryptionKey,
		SessionDuration: c.SessionDuration,
		LockTimeout:     c.LockTimeout,
	}
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	snapshot := cfg.Snapshot()
	log.Info().Interface("config", snapshot.Redacted()).Msg("Starting growkey")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	auditWriter := audit.NewWriter(store, snapshot.AuditBufferSize)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := auditWriter.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Audit log not fully drained")
		}
	}()

	checks := map[string]handlers.Pinger{"store": store}

	var locker lock.Locker = lock.NewLocal()
	if snapshot.RedisAddr != "" {
		redisLock, client, err := lock.NewRedisFromURL(ctx, snapshot.RedisAddr, lock.RedisOptions{TTL: snapshot.LockTTL})
		if err != nil {
			return errors.Wrap(err, "connect redis lock")
		}
		defer client.Close()

		locker = redisLock
		checks["redis"] = redisPinger(client)
		log.Info().Msg("Using Redis license lock")
	}

	metricsManager := metrics.NewMetricsManager(auditWriter.Stats)

	engine := session.NewEngine(store, auditWriter, engineConfig(snapshot),
		session.WithLocker(locker),
		session.WithRecorder(metricsManager.Sessions()),
	)
	if snapshot.EncryptionKey == "" {
		log.Warn().Msg("encryptionKey is not set, token issuance will fail until it is configured")
	}

	licenses := license.NewService(store, locker, auditWriter)
	licenses.SetLockTimeout(snapshot.LockTimeout)

	cfg.OnChange(func(next *domain.Config) {
		engine.SetConfig(engineConfig(*next))
		licenses.SetLockTimeout(next.LockTimeout)
	})
	cfg.Watch()

	server := api.NewServer(&api.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Licenses:     licenses,
		HealthChecks: checks,
	})
	pruner := license.NewPruner(store, snapshot.PruneInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe()
	})

	var metricsServer *metrics.Server
	if snapshot.MetricsEnabled {
		metricsServer = metrics.NewMetricsServer(metricsManager, snapshot.MetricsHost, snapshot.MetricsPort, snapshot.MetricsBasicAuthUsers)
		g.Go(func() error {
			return metricsServer.ListenAndServe()
		})
	}

	g.Go(func() error {
		pruner.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown failed")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Metrics server shutdown failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}

func redisPinger(client *redis.Client) handlers.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
