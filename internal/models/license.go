// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrLicenseExists   = errors.New("license key already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// License status constants
const (
	LicenseStatusActive  = "active"
	LicenseStatusBanned  = "banned"
	LicenseStatusExpired = "expired"
)

// Audit actions
const (
	AuditActionSuccess = "success"
	AuditActionError   = "error"
	AuditActionLogout  = "logout"
	AuditActionAdmin   = "admin"
)

// License is a credential bound to a single bot user and device after first use.
type License struct {
	ID            string     `json:"id"`
	LicenseKey    string     `json:"licenseKey"`
	Status        string     `json:"status"`
	MaxDevices    int        `json:"maxDevices"`
	BoundUserID   *string    `json:"boundUserId,omitempty"`
	BoundDeviceID *string    `json:"boundDeviceId,omitempty"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
	DaysValid     *int       `json:"daysValid,omitempty"`
	Note          string     `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsBound reports whether the license already holds a user/device binding.
func (l *License) IsBound() bool {
	return l.BoundUserID != nil || l.BoundDeviceID != nil
}

// ExpiredAt reports whether the fixed expiry date has been reached at now.
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiryDate != nil && !l.ExpiryDate.After(now)
}

// LicenseUpdate carries a partial update. Nil fields are left untouched, the
// Clear* flags null the corresponding column.
type LicenseUpdate struct {
	Status          *string
	MaxDevices      *int
	ExpiryDate      *time.Time
	ClearExpiryDate bool
	DaysValid       *int
	ClearDaysValid  bool
	BoundUserID     *string
	BoundDeviceID   *string
	ClearBinding    bool
	Note            *string
}

// IsEmpty reports whether the update would change nothing.
func (u LicenseUpdate) IsEmpty() bool {
	return u.Status == nil && u.MaxDevices == nil && u.ExpiryDate == nil && !u.ClearExpiryDate &&
		u.DaysValid == nil && !u.ClearDaysValid && u.BoundUserID == nil && u.BoundDeviceID == nil &&
		!u.ClearBinding && u.Note == nil
}

// Apply copies the update onto l. Used by stores that return the updated row
// without a second read.
func (u LicenseUpdate) Apply(l *License) {
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.MaxDevices != nil {
		l.MaxDevices = *u.MaxDevices
	}
	if u.ClearExpiryDate {
		l.ExpiryDate = nil
	} else if u.ExpiryDate != nil {
		t := *u.ExpiryDate
		l.ExpiryDate = &t
	}
	if u.ClearDaysValid {
		l.DaysValid = nil
	} else if u.DaysValid != nil {
		d := *u.DaysValid
		l.DaysValid = &d
	}
	if u.ClearBinding {
		l.BoundUserID = nil
		l.BoundDeviceID = nil
	} else {
		if u.BoundUserID != nil {
			v := *u.BoundUserID
			l.BoundUserID = &v
		}
		if u.BoundDeviceID != nil {
			v := *u.BoundDeviceID
			l.BoundDeviceID = &v
		}
	}
	if u.Note != nil {
		l.Note = *u.Note
	}
}

// ActiveSession proves a binding currently holds a live issued token.
type ActiveSession struct {
	ID              int64     `json:"id"`
	LicenseKey      string    `json:"licenseKey"`
	UserID          string    `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	ExpiryTimestamp time.Time `json:"expiryTimestamp"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SessionFilter selects sessions of one license. UserID and DeviceID narrow it
// to a single binding, ExpiredBefore to sessions whose expiry is strictly
// earlier than the given instant.
type SessionFilter struct {
	LicenseKey    string
	UserID        string
	DeviceID      string
	ExpiredBefore *time.Time
}

// LicenseListOptions filters license listings. Zero values mean no filter.
type LicenseListOptions struct {
	Status string
	Limit  int
	Offset int
}

// AuditLogEntry is an append-only record of a decision taken for a license.
type AuditLogEntry struct {
	ID         int64     `json:"id"`
	LicenseKey string    `json:"licenseKey"`
	Action     string    `json:"action"`
	Message    string    `json:"message"`
	UserID     *string   `json:"userId,omitempty"`
	DeviceID   *string   `json:"deviceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NormalizeLicenseKey returns the canonical form used as the primary identity.
func NormalizeLicenseKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidLicenseStatus reports whether status is one of the known values.
func ValidLicenseStatus(status string) bool {
	switch status {
	case LicenseStatusActive, LicenseStatusBanned, LicenseStatusExpired:
		return true
	}
	return false
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
