// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/models"
)

// Store bundles the repositories behind one SQLite database.
type Store struct {
	*LicenseRepo
	*SessionRepo
	*AuditRepo

	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{
		LicenseRepo: NewLicenseRepo(db),
		SessionRepo: NewSessionRepo(db),
		AuditRepo:   NewAuditRepo(db),
		db:          db,
	}
}

// Ping checks the underlying database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// WithLicenseTx runs fn inside one write transaction. The transaction commits
// when fn returns nil and rolls back otherwise. licenseKey only labels log
// output: SQLite write transactions are already exclusive.
func (s *Store) WithLicenseTx(ctx context.Context, licenseKey string, fn func(tx dbinterface.LicenseTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin license transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Debug().Err(rbErr).Msg("license transaction rollback")
		}
	}()

	if err := fn(&bindingTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit license transaction: %w", err)
	}
	committed = true
	return nil
}

type bindingTx struct {
	q dbinterface.TxQuerier
}

func (b *bindingTx) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	return getLicense(ctx, b.q, "license_key", licenseKey)
}

func (b *bindingTx) UpdateLicense(ctx context.Context, id string, update models.LicenseUpdate) (*models.License, error) {
	return updateLicense(ctx, b.q, id, update)
}

func (b *bindingTx) DeleteLicense(ctx context.Context, id string) error {
	return deleteLicense(ctx, b.q, id)
}

func (b *bindingTx) DeleteSessions(ctx context.Context, filter models.SessionFilter) (int64, error) {
	return deleteSessions(ctx, b.q, filter)
}

func (b *bindingTx) FindSession(ctx context.Context, licenseKey, userID, deviceID string) (*models.ActiveSession, error) {
	return findSession(ctx, b.q, licenseKey, userID, deviceID)
}

func (b *bindingTx) CountSessions(ctx context.Context, licenseKey string) (int, error) {
	return countSessions(ctx, b.q, licenseKey)
}

func (b *bindingTx) UpsertSession(ctx context.Context, session *models.ActiveSession) error {
	return upsertSession(ctx, b.q, session)
}
