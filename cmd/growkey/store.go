// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/database"
	"github.com/growkey/growkey/internal/database/postgres"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/internal/services/license"
)

// appStore is everything the server needs from persistence. The SQLite and
// Postgres stores both satisfy it.
type appStore interface {
	license.Store
	license.SessionPruner
	audit.Repository
	GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error)
	Ping(ctx context.Context) error
	Close() error
}

type sqliteStore struct {
	*database.Store
	db *database.DB
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func openStore(ctx context.Context, cfg *config.AppConfig) (appStore, error) {
	snapshot := cfg.Snapshot()

	switch snapshot.DatabaseDriver {
	case "postgres":
		db, err := postgres.Open(ctx, snapshot.DatabaseDSN, postgres.Options{
			MaxOpenConns:    20,
			ConnMaxLifetime: time.Hour,
		})
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	case "sqlite", "":
		db, err := database.New(cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		return &sqliteStore{Store: database.NewStore(db), db: db}, nil
	default:
		return nil, errors.Errorf("unsupported database driver %q", snapshot.DatabaseDriver)
	}
}
