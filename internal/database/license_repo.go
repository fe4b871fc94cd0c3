// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/pkg/redact"
)

const licenseColumns = `id, license_key, status, max_devices, bound_user_id, bound_device_id,
		       expiry_date, days_valid, note, created_at, updated_at`

type LicenseRepo struct {
	db *DB
}

func NewLicenseRepo(db *DB) *LicenseRepo {
	return &LicenseRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	license := &models.License{}
	var (
		boundUser   sql.NullString
		boundDevice sql.NullString
		expiry      sql.NullTime
		daysValid   sql.NullInt64
	)

	if err := row.Scan(
		&license.ID,
		&license.LicenseKey,
		&license.Status,
		&license.MaxDevices,
		&boundUser,
		&boundDevice,
		&expiry,
		&daysValid,
		&license.Note,
		&license.CreatedAt,
		&license.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if boundUser.Valid {
		license.BoundUserID = &boundUser.String
	}
	if boundDevice.Valid {
		license.BoundDeviceID = &boundDevice.String
	}
	if expiry.Valid {
		t := expiry.Time.UTC()
		license.ExpiryDate = &t
	}
	if daysValid.Valid {
		d := int(daysValid.Int64)
		license.DaysValid = &d
	}
	license.CreatedAt = license.CreatedAt.UTC()
	license.UpdatedAt = license.UpdatedAt.UTC()

	return license, nil
}

func getLicense(ctx context.Context, q dbinterface.Queryer, column string, value string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE ` + column + ` = ?`

	license, err := scanLicense(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrLicenseNotFound
		}
		return nil, errors.Wrapf(err, "get license by %s", column)
	}
	return license, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func updateLicense(ctx context.Context, q dbinterface.Queryer, id string, update models.LicenseUpdate) (*models.License, error) {
	current, err := getLicense(ctx, q, "id", id)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return current, nil
	}

	update.Apply(current)
	current.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE licenses
		SET status = ?, max_devices = ?, bound_user_id = ?, bound_device_id = ?,
		    expiry_date = ?, days_valid = ?, note = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := q.ExecContext(ctx, query,
		current.Status,
		current.MaxDevices,
		nullString(current.BoundUserID),
		nullString(current.BoundDeviceID),
		nullTime(current.ExpiryDate),
		nullInt(current.DaysValid),
		current.Note,
		current.UpdatedAt,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "update license")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrLicenseNotFound
	}

	return current, nil
}

func deleteLicense(ctx context.Context, q dbinterface.Queryer, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete license")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrLicenseNotFound
	}
	return nil
}

// CreateLicense stores a new license. ID and timestamps are filled in when
// empty; the key is stored in canonical form.
func (r *LicenseRepo) CreateLicense(ctx context.Context, license *models.License) error {
	if license.ID == "" {
		license.ID = uuid.NewString()
	}
	license.LicenseKey = models.NormalizeLicenseKey(license.LicenseKey)
	if license.Status == "" {
		license.Status = models.LicenseStatusActive
	}
	if license.MaxDevices == 0 {
		license.MaxDevices = 1
	}
	now := time.Now().UTC()
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now
	}
	license.UpdatedAt = license.CreatedAt

	query := `
		INSERT INTO licenses (id, license_key, status, max_devices, bound_user_id, bound_device_id,
		                      expiry_date, days_valid, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		license.ID,
		license.LicenseKey,
		license.Status,
		license.MaxDevices,
		nullString(license.BoundUserID),
		nullString(license.BoundDeviceID),
		nullTime(license.ExpiryDate),
		nullInt(license.DaysValid),
		license.Note,
		license.CreatedAt,
		license.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.ErrLicenseExists
		}
		return errors.Wrap(err, "insert license")
	}

	log.Debug().Str("license", redact.LicenseKey(license.LicenseKey)).Msg("License created")
	return nil
}

// GetLicenseByKey retrieves a license by its canonical key.
func (r *LicenseRepo) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	return getLicense(ctx, r.db, "license_key", licenseKey)
}

// GetLicenseByID retrieves a license by id.
func (r *LicenseRepo) GetLicenseByID(ctx context.Context, id string) (*models.License, error) {
	return getLicense(ctx, r.db, "id", id)
}

// ListLicenses returns licenses, newest first.
func (r *LicenseRepo) ListLicenses(ctx context.Context, opts models.LicenseListOptions) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, license_key ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, opts.Limit, max(opts.Offset, 0))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list licenses")
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return licenses, nil
}

// UpdateLicense applies a partial update outside of any license lock. Use the
// store's WithLicenseTx when the change must not interleave with issuance.
func (r *LicenseRepo) UpdateLicense(ctx context.Context, id string, update models.LicenseUpdate) (*models.License, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	license, err := updateLicense(ctx, tx, id, update)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return license, nil
}
