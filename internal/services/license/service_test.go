// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"io"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growkey/growkey/internal/database"
	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
)

type memorySink struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (m *memorySink) Append(_ context.Context, entry models.AuditLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *memorySink) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Message)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *database.Store, *memorySink) {
	t.Helper()
	log.Logger = log.Output(io.Discard)

	db, err := database.New(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := database.NewStore(db)
	sink := &memorySink{}
	return NewService(store, lock.NewLocal(), sink), store, sink
}

func addSession(t *testing.T, store *database.Store, key, user, device string) {
	t.Helper()
	err := store.WithLicenseTx(t.Context(), key, func(tx dbinterface.LicenseTx) error {
		return tx.UpsertSession(t.Context(), &models.ActiveSession{
			LicenseKey:      key,
			UserID:          user,
			DeviceID:        device,
			ExpiryTimestamp: time.Now().Add(time.Minute),
			CreatedAt:       time.Now(),
		})
	})
	require.NoError(t, err)
}

var keyPattern = regexp.MustCompile(`^GROW-[A-Z]{4}-[0-9]{4}-[A-Z0-9]{2}$`)

func TestGenerateLicenseKey(t *testing.T) {
	seen := make(map[string]struct{})
	for range 200 {
		key, err := GenerateLicenseKey()
		require.NoError(t, err)
		assert.Regexp(t, keyPattern, key)
		seen[key] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)
}

func TestCreateLicense(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := t.Context()

	t.Run("generates key and defaults", func(t *testing.T) {
		license, err := svc.CreateLicense(ctx, CreateInput{})
		require.NoError(t, err)
		assert.Regexp(t, keyPattern, license.LicenseKey)
		assert.Equal(t, models.LicenseStatusActive, license.Status)
		assert.Equal(t, 1, license.MaxDevices)

		stored, err := store.GetLicenseByKey(ctx, license.LicenseKey)
		require.NoError(t, err)
		assert.Equal(t, license.ID, stored.ID)
	})

	t.Run("normalizes provided key", func(t *testing.T) {
		days := 30
		license, err := svc.CreateLicense(ctx, CreateInput{
			LicenseKey: "  grow-manual-key ",
			MaxDevices: 3,
			DaysValid:  &days,
			Note:       " vip ",
		})
		require.NoError(t, err)
		assert.Equal(t, "GROW-MANUAL-KEY", license.LicenseKey)
		assert.Equal(t, 3, license.MaxDevices)
		assert.Equal(t, "vip", license.Note)
	})

	t.Run("duplicate key", func(t *testing.T) {
		_, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-MANUAL-KEY"})
		assert.ErrorIs(t, err, models.ErrLicenseExists)
	})

	assert.Equal(t, []string{"License created", "License created"}, sink.messages())
}

func TestCreateLicenseValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	negative := -1

	tests := []struct {
		name    string
		input   CreateInput
		message string
	}{
		{
			name:    "negative max devices",
			input:   CreateInput{MaxDevices: -2},
			message: "maxDevices must be at least 1",
		},
		{
			name:    "unknown status",
			input:   CreateInput{Status: "paused"},
			message: "status must be one of: active, banned, expired",
		},
		{
			name:    "negative days",
			input:   CreateInput{DaysValid: &negative},
			message: "daysValid must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateLicense(t.Context(), tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.Equal(t, tt.message, InputMessage(err))
		})
	}
}

func TestUpdateBanAndUnban(t *testing.T) {
	svc, store, sink := newTestService(t)
	ctx := t.Context()

	license, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-EDIT"})
	require.NoError(t, err)

	maxDevices := 4
	note := "upgraded"
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := svc.UpdateLicense(ctx, license.ID, UpdateInput{
		MaxDevices: &maxDevices,
		Note:       &note,
		ExpiryDate: &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.MaxDevices)
	assert.Equal(t, "upgraded", updated.Note)

	banned, err := svc.BanLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusBanned, banned.Status)

	stored, err := store.GetLicenseByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusBanned, stored.Status)
	require.NotNil(t, stored.ExpiryDate)
	assert.True(t, expiry.Equal(*stored.ExpiryDate))

	unbanned, err := svc.UnbanLicense(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusActive, unbanned.Status)

	cleared, err := svc.UpdateLicense(ctx, license.ID, UpdateInput{ClearExpiryDate: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.ExpiryDate)

	zero := 0
	_, err = svc.UpdateLicense(ctx, license.ID, UpdateInput{MaxDevices: &zero})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.BanLicense(ctx, "missing-id")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	assert.Equal(t, []string{
		"License created",
		"License updated",
		"License banned",
		"License unbanned",
		"License updated",
	}, sink.messages())
}

func TestResetBinding(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	license := &models.License{
		LicenseKey:    "GROW-BOUND",
		MaxDevices:    2,
		BoundUserID:   models.StringPtr("u1"),
		BoundDeviceID: models.StringPtr("d1"),
	}
	require.NoError(t, store.CreateLicense(ctx, license))
	addSession(t, store, "GROW-BOUND", "u1", "d1")

	reset, err := svc.ResetBinding(ctx, license.ID)
	require.NoError(t, err)
	assert.Nil(t, reset.BoundUserID)
	assert.Nil(t, reset.BoundDeviceID)

	stored, err := store.GetLicenseByID(ctx, license.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsBound())

	sessions, err := store.ListSessions(ctx, "GROW-BOUND")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteLicenseKeepsAudit(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	license, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-GONE"})
	require.NoError(t, err)
	addSession(t, store, "GROW-GONE", "u1", "d1")
	require.NoError(t, store.AppendAuditEntry(ctx, &models.AuditLogEntry{
		LicenseKey: "GROW-GONE",
		Action:     models.AuditActionSuccess,
		Message:    "Token issued",
		CreatedAt:  time.Now(),
	}))

	require.NoError(t, svc.DeleteLicense(ctx, license.ID))

	_, err = store.GetLicenseByID(ctx, license.ID)
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	sessions, err := store.ListSessions(ctx, "GROW-GONE")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	entries, err := store.ListAuditEntries(ctx, "GROW-GONE", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.ErrorIs(t, svc.DeleteLicense(ctx, license.ID), models.ErrLicenseNotFound)
}

func TestDetailListAndLogs(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	a, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-A"})
	require.NoError(t, err)
	_, err = svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-B", Status: models.LicenseStatusBanned})
	require.NoError(t, err)
	addSession(t, store, "GROW-A", "u1", "d1")

	detail, err := svc.GetLicenseDetail(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "GROW-A", detail.License.LicenseKey)
	require.Len(t, detail.Sessions, 1)
	assert.Equal(t, "u1", detail.Sessions[0].UserID)

	banned, err := svc.ListLicenses(ctx, models.LicenseListOptions{Status: models.LicenseStatusBanned})
	require.NoError(t, err)
	require.Len(t, banned, 1)
	assert.Equal(t, "GROW-B", banned[0].LicenseKey)

	_, err = svc.ListLicenses(ctx, models.LicenseListOptions{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	for i := range 3 {
		require.NoError(t, store.AppendAuditEntry(ctx, &models.AuditLogEntry{
			LicenseKey: "GROW-A",
			Action:     models.AuditActionError,
			Message:    "License is bound to another user.",
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	logs, err := svc.ListAuditEntries(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	_, err = svc.GetLicenseDetail(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

type heldLocker struct{}

func (heldLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMutationsRespectLicenseLock(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := t.Context()

	license, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-LOCKED"})
	require.NoError(t, err)

	svc.locker = heldLocker{}
	svc.SetLockTimeout(20 * time.Millisecond)

	_, err = svc.ResetBinding(ctx, license.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetLockTimeoutDuringMutations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := t.Context()

	license, err := svc.CreateLicense(ctx, CreateInput{LicenseKey: "GROW-RELOAD"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			svc.SetLockTimeout(time.Duration(i+1) * time.Millisecond * 10)
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 50 {
			var err error
			if i%2 == 0 {
				_, err = svc.BanLicense(ctx, license.ID)
			} else {
				_, err = svc.UnbanLicense(ctx, license.ID)
			}
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, 2*time.Second, svc.LockTimeout())

	svc.SetLockTimeout(0)
	assert.Equal(t, 2*time.Second, svc.LockTimeout(), "non-positive timeouts are ignored")
}
