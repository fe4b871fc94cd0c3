// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package postgres

import (
	"time"

	"github.com/growkey/growkey/internal/models"
)

type licenseModel struct {
	ID            string     `gorm:"column:id;primaryKey"`
	LicenseKey    string     `gorm:"column:license_key"`
	Status        string     `gorm:"column:status"`
	MaxDevices    int        `gorm:"column:max_devices"`
	BoundUserID   *string    `gorm:"column:bound_user_id"`
	BoundDeviceID *string    `gorm:"column:bound_device_id"`
	ExpiryDate    *time.Time `gorm:"column:expiry_date"`
	DaysValid     *int       `gorm:"column:days_valid"`
	Note          string     `gorm:"column:note"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (licenseModel) TableName() string { return "licenses" }

type sessionModel struct {
	ID              int64     `gorm:"column:id;primaryKey"`
	LicenseKey      string    `gorm:"column:license_key"`
	UserID          string    `gorm:"column:user_id"`
	DeviceID        string    `gorm:"column:device_id"`
	ExpiryTimestamp int64     `gorm:"column:expiry_timestamp"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (sessionModel) TableName() string { return "active_sessions" }

type auditModel struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	LicenseKey string    `gorm:"column:license_key"`
	Action     string    `gorm:"column:action"`
	Message    string    `gorm:"column:message"`
	UserID     *string   `gorm:"column:user_id"`
	DeviceID   *string   `gorm:"column:device_id"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (auditModel) TableName() string { return "audit_logs" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toLicense(m *licenseModel) *models.License {
	return &models.License{
		ID:            m.ID,
		LicenseKey:    m.LicenseKey,
		Status:        m.Status,
		MaxDevices:    m.MaxDevices,
		BoundUserID:   m.BoundUserID,
		BoundDeviceID: m.BoundDeviceID,
		ExpiryDate:    utcPtr(m.ExpiryDate),
		DaysValid:     m.DaysValid,
		Note:          m.Note,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func fromLicense(l *models.License) *licenseModel {
	return &licenseModel{
		ID:            l.ID,
		LicenseKey:    l.LicenseKey,
		Status:        l.Status,
		MaxDevices:    l.MaxDevices,
		BoundUserID:   l.BoundUserID,
		BoundDeviceID: l.BoundDeviceID,
		ExpiryDate:    utcPtr(l.ExpiryDate),
		DaysValid:     l.DaysValid,
		Note:          l.Note,
		CreatedAt:     l.CreatedAt,
		UpdatedAt:     l.UpdatedAt,
	}
}

func toSession(m *sessionModel) *models.ActiveSession {
	return &models.ActiveSession{
		ID:              m.ID,
		LicenseKey:      m.LicenseKey,
		UserID:          m.UserID,
		DeviceID:        m.DeviceID,
		ExpiryTimestamp: time.UnixMilli(m.ExpiryTimestamp).UTC(),
		CreatedAt:       m.CreatedAt.UTC(),
	}
}

func toAuditEntry(m *auditModel) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:         m.ID,
		LicenseKey: m.LicenseKey,
		Action:     m.Action,
		Message:    m.Message,
		UserID:     m.UserID,
		DeviceID:   m.DeviceID,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

// licenseColumns maps an update onto the full set of mutable columns of the
// already-updated license. Map updates keep nil values as NULL.
func licenseColumns(l *models.License) map[string]any {
	return map[string]any{
		"status":          l.Status,
		"max_devices":     l.MaxDevices,
		"bound_user_id":   l.BoundUserID,
		"bound_device_id": l.BoundDeviceID,
		"expiry_date":     utcPtr(l.ExpiryDate),
		"days_valid":      l.DaysValid,
		"note":            l.Note,
		"updated_at":      l.UpdatedAt,
	}
}
