// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package postgres is the GORM-backed store for deployments that run several
// growkey instances against one database. Per-license exclusivity comes from
// a row lock on the license (SELECT ... FOR UPDATE) inside each transaction.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Options tunes the connection pool. Zero values keep database/sql defaults.
type Options struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string, opts Options) (*gorm.DB, error) {
	// Statement preparation is enabled per session by the store; migrations
	// contain multiple statements and must run unprepared.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(max(opts.MaxOpenConns/2, 1))
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Info().Msg("Postgres store initialized")
	return db, nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// migrate applies embedded migrations once each, recording them in the
// migrations table like the SQLite store does.
func migrate(ctx context.Context, db *gorm.DB) error {
	names, err := migrationFiles()
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`CREATE TABLE IF NOT EXISTS migrations (
			id BIGSERIAL PRIMARY KEY,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`).Error; err != nil {
			return fmt.Errorf("create migrations table: %w", err)
		}

		// serialize concurrent starters
		if err := tx.Exec(`LOCK TABLE migrations IN EXCLUSIVE MODE`).Error; err != nil {
			return fmt.Errorf("lock migrations table: %w", err)
		}

		applied := 0
		for _, name := range names {
			var count int64
			if err := tx.Table("migrations").Where("filename = ?", name).Count(&count).Error; err != nil {
				return fmt.Errorf("check migration %s: %w", name, err)
			}
			if count > 0 {
				continue
			}

			raw, err := migrationFS.ReadFile("migrations/" + name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if err := tx.Exec(string(raw)).Error; err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
			if err := tx.Exec(`INSERT INTO migrations (filename) VALUES (?)`, name).Error; err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			applied++
		}

		if applied > 0 {
			log.Info().Msgf("Applied %d postgres migrations", applied)
		}
		return nil
	})
}
