// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/growkey/growkey/internal/models"
)

const defaultAuditListLimit = 100

type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// AppendAuditEntry inserts entry and fills in its id.
func (r *AuditRepo) AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (license_key, action, message, user_id, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		entry.LicenseKey,
		entry.Action,
		entry.Message,
		nullString(entry.UserID),
		nullString(entry.DeviceID),
		entry.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert audit entry")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

// ListAuditEntries returns the newest entries for a license. limit <= 0 uses
// the default.
func (r *AuditRepo) ListAuditEntries(ctx context.Context, licenseKey string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}

	query := `
		SELECT id, license_key, action, message, user_id, device_id, created_at
		FROM audit_logs
		WHERE license_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, licenseKey, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit entries")
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		entry := &models.AuditLogEntry{}
		var userID, deviceID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.LicenseKey, &entry.Action, &entry.Message, &userID, &deviceID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			entry.UserID = &userID.String
		}
		if deviceID.Valid {
			entry.DeviceID = &deviceID.String
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
