// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/models"
)

const sessionColumns = `id, license_key, user_id, device_id, expiry_timestamp, created_at`

type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func scanSession(row rowScanner) (*models.ActiveSession, error) {
	s := &models.ActiveSession{}
	var expiryMillis int64
	if err := row.Scan(&s.ID, &s.LicenseKey, &s.UserID, &s.DeviceID, &expiryMillis, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.ExpiryTimestamp = time.UnixMilli(expiryMillis).UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func sessionWhere(filter models.SessionFilter) (string, []any) {
	clauses := []string{"license_key = ?"}
	args := []any{filter.LicenseKey}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.ExpiredBefore != nil {
		clauses = append(clauses, "expiry_timestamp < ?")
		args = append(args, filter.ExpiredBefore.UnixMilli())
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func deleteSessions(ctx context.Context, q dbinterface.Queryer, filter models.SessionFilter) (int64, error) {
	where, args := sessionWhere(filter)
	res, err := q.ExecContext(ctx, `DELETE FROM active_sessions`+where, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if filter.ExpiredBefore != nil {
		recordSweptSessions(n)
	}
	return n, nil
}

func findSession(ctx context.Context, q dbinterface.Queryer, licenseKey, userID, deviceID string) (*models.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions
		WHERE license_key = ? AND user_id = ? AND device_id = ?`

	s, err := scanSession(q.QueryRowContext(ctx, query, licenseKey, userID, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "find session")
	}
	return s, nil
}

func countSessions(ctx context.Context, q dbinterface.Queryer, licenseKey string) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM active_sessions WHERE license_key = ?`, licenseKey).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return count, nil
}

// upsertSession refreshes the expiry of an existing triple or inserts it.
func upsertSession(ctx context.Context, q dbinterface.Queryer, s *models.ActiveSession) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO active_sessions (license_key, user_id, device_id, expiry_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(license_key, user_id, device_id) DO UPDATE SET expiry_timestamp = excluded.expiry_timestamp
		RETURNING id
	`

	if err := q.QueryRowContext(ctx, query,
		s.LicenseKey, s.UserID, s.DeviceID, s.ExpiryTimestamp.UnixMilli(), s.CreatedAt,
	).Scan(&s.ID); err != nil {
		return errors.Wrap(err, "upsert session")
	}
	return nil
}

// ListSessions returns every session of a license, including expired ones
// that have not been swept yet.
func (r *SessionRepo) ListSessions(ctx context.Context, licenseKey string) ([]*models.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE license_key = ? ORDER BY expiry_timestamp DESC`

	rows, err := r.db.QueryContext(ctx, query, licenseKey)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var sessions []*models.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// PruneExpired deletes expired sessions across all licenses. Issuance sweeps
// per license on its own; this only keeps idle licenses from piling up rows.
func (r *SessionRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE expiry_timestamp < ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune expired sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	recordSweptSessions(n)
	return n, nil
}
