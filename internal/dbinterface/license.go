// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"

	"github.com/growkey/growkey/internal/models"
)

// LicenseTx is the view of one write transaction scoped to a single license.
// Both the SQLite and the Postgres store hand it to the callback of
// WithLicenseTx; everything done through it commits or rolls back together.
type LicenseTx interface {
	GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error)
	UpdateLicense(ctx context.Context, id string, update models.LicenseUpdate) (*models.License, error)
	DeleteLicense(ctx context.Context, id string) error
	DeleteSessions(ctx context.Context, filter models.SessionFilter) (int64, error)
	FindSession(ctx context.Context, licenseKey, userID, deviceID string) (*models.ActiveSession, error)
	CountSessions(ctx context.Context, licenseKey string) (int, error)
	UpsertSession(ctx context.Context, session *models.ActiveSession) error
}
