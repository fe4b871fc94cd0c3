// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/models"
)

const defaultAuditListLimit = 100

// Store implements the same surface as the SQLite store on top of GORM.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db.Session(&gorm.Session{PrepareStmt: true})}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func getLicense(ctx context.Context, db *gorm.DB, column, value string) (*models.License, error) {
	var m licenseModel
	if err := db.WithContext(ctx).Where(column+" = ?", value).Take(&m).Error; err != nil {
		return nil, notFound(err, models.ErrLicenseNotFound)
	}
	return toLicense(&m), nil
}

func (s *Store) CreateLicense(ctx context.Context, license *models.License) error {
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
	if license.CreatedAt.IsZero() {
		license.CreatedAt = time.Now().UTC()
	}
	license.UpdatedAt = license.CreatedAt

	if err := s.db.WithContext(ctx).Create(fromLicense(license)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrLicenseExists
		}
		return errors.Wrap(err, "insert license")
	}
	return nil
}

func (s *Store) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	return getLicense(ctx, s.db, "license_key", licenseKey)
}

func (s *Store) GetLicenseByID(ctx context.Context, id string) (*models.License, error) {
	return getLicense(ctx, s.db, "id", id)
}

func (s *Store) ListLicenses(ctx context.Context, opts models.LicenseListOptions) ([]*models.License, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("license_key ASC")
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(max(opts.Offset, 0))
	}

	var rows []licenseModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list licenses")
	}

	licenses := make([]*models.License, 0, len(rows))
	for i := range rows {
		licenses = append(licenses, toLicense(&rows[i]))
	}
	return licenses, nil
}

func (s *Store) UpdateLicense(ctx context.Context, id string, update models.LicenseUpdate) (*models.License, error) {
	var out *models.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = (&bindingTx{db: tx}).UpdateLicense(ctx, id, update)
		return err
	})
	return out, err
}

func (s *Store) ListSessions(ctx context.Context, licenseKey string) ([]*models.ActiveSession, error) {
	var rows []sessionModel
	if err := s.db.WithContext(ctx).Where("license_key = ?", licenseKey).Order("expiry_timestamp DESC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	sessions := make([]*models.ActiveSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, toSession(&rows[i]))
	}
	return sessions, nil
}

func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expiry_timestamp < ?", now.UnixMilli()).Delete(&sessionModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "prune expired sessions")
	}
	return res.RowsAffected, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m := &auditModel{
		LicenseKey: entry.LicenseKey,
		Action:     entry.Action,
		Message:    entry.Message,
		UserID:     entry.UserID,
		DeviceID:   entry.DeviceID,
		CreatedAt:  entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return errors.Wrap(err, "insert audit entry")
	}
	entry.ID = m.ID
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, licenseKey string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	var rows []auditModel
	if err := s.db.WithContext(ctx).Where("license_key = ?", licenseKey).
		Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list audit entries")
	}
	entries := make([]*models.AuditLogEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, toAuditEntry(&rows[i]))
	}
	return entries, nil
}

// WithLicenseTx runs fn in one transaction holding a row lock on the license
// with licenseKey, if it exists. Concurrent callers for the same key queue on
// that lock, in this process or any other.
func (s *Store) WithLicenseTx(ctx context.Context, licenseKey string, fn func(tx dbinterface.LicenseTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked licenseModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("license_key = ?", licenseKey).
			Take(&locked).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "lock license row")
		}
		return fn(&bindingTx{db: tx})
	})
}

type bindingTx struct {
	db *gorm.DB
}

func (b *bindingTx) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	return getLicense(ctx, b.db, "license_key", licenseKey)
}

func (b *bindingTx) UpdateLicense(ctx context.Context, id string, update models.LicenseUpdate) (*models.License, error) {
	current, err := getLicense(ctx, b.db, "id", id)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		return current, nil
	}

	update.Apply(current)
	current.UpdatedAt = time.Now().UTC()

	res := b.db.WithContext(ctx).Model(&licenseModel{}).Where("id = ?", id).Updates(licenseColumns(current))
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update license")
	}
	if res.RowsAffected == 0 {
		return nil, models.ErrLicenseNotFound
	}
	return current, nil
}

func (b *bindingTx) DeleteLicense(ctx context.Context, id string) error {
	res := b.db.WithContext(ctx).Where("id = ?", id).Delete(&licenseModel{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete license")
	}
	if res.RowsAffected == 0 {
		return models.ErrLicenseNotFound
	}
	return nil
}

func (b *bindingTx) DeleteSessions(ctx context.Context, filter models.SessionFilter) (int64, error) {
	q := b.db.WithContext(ctx).Where("license_key = ?", filter.LicenseKey)
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.DeviceID != "" {
		q = q.Where("device_id = ?", filter.DeviceID)
	}
	if filter.ExpiredBefore != nil {
		q = q.Where("expiry_timestamp < ?", filter.ExpiredBefore.UnixMilli())
	}
	res := q.Delete(&sessionModel{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete sessions")
	}
	return res.RowsAffected, nil
}

func (b *bindingTx) FindSession(ctx context.Context, licenseKey, userID, deviceID string) (*models.ActiveSession, error) {
	var m sessionModel
	err := b.db.WithContext(ctx).
		Where("license_key = ? AND user_id = ? AND device_id = ?", licenseKey, userID, deviceID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err, models.ErrSessionNotFound)
	}
	return toSession(&m), nil
}

func (b *bindingTx) CountSessions(ctx context.Context, licenseKey string) (int, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&sessionModel{}).Where("license_key = ?", licenseKey).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return int(count), nil
}

func (b *bindingTx) UpsertSession(ctx context.Context, session *models.ActiveSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	m := &sessionModel{
		LicenseKey:      session.LicenseKey,
		UserID:          session.UserID,
		DeviceID:        session.DeviceID,
		ExpiryTimestamp: session.ExpiryTimestamp.UnixMilli(),
		CreatedAt:       session.CreatedAt,
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_key"}, {Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expiry_timestamp"}),
	}).Create(m).Error
	if err != nil {
		return errors.Wrap(err, "upsert session")
	}
	session.ID = m.ID
	return nil
}
