// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growkey/growkey/internal/dbinterface"
	"github.com/growkey/growkey/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log.Logger = log.Output(io.Discard)
	return NewStore(openTestDatabase(t))
}

func createTestLicense(t *testing.T, s *Store, key string, maxDevices int) *models.License {
	t.Helper()
	license := &models.License{LicenseKey: key, MaxDevices: maxDevices}
	require.NoError(t, s.CreateLicense(t.Context(), license))
	return license
}

func TestCreateAndGetLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	days := 30
	license := &models.License{
		LicenseKey: "  grow-abcd-1234-xy ",
		MaxDevices: 2,
		ExpiryDate: &expiry,
		DaysValid:  &days,
		Note:       "reseller batch",
	}
	require.NoError(t, s.CreateLicense(ctx, license))
	require.NotEmpty(t, license.ID)
	assert.Equal(t, "GROW-ABCD-1234-XY", license.LicenseKey)
	assert.Equal(t, models.LicenseStatusActive, license.Status)

	got, err := s.GetLicenseByKey(ctx, "GROW-ABCD-1234-XY")
	require.NoError(t, err)
	assert.Equal(t, license.ID, got.ID)
	assert.Equal(t, 2, got.MaxDevices)
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, expiry.Equal(*got.ExpiryDate))
	require.NotNil(t, got.DaysValid)
	assert.Equal(t, 30, *got.DaysValid)
	assert.Nil(t, got.BoundUserID)
	assert.Equal(t, "reseller batch", got.Note)

	byID, err := s.GetLicenseByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, got.LicenseKey, byID.LicenseKey)

	_, err = s.GetLicenseByKey(ctx, "GROW-NOPE-0000-00")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	err = s.CreateLicense(ctx, &models.License{LicenseKey: "grow-abcd-1234-xy"})
	assert.ErrorIs(t, err, models.ErrLicenseExists)
}

func TestListLicenses(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	createTestLicense(t, s, "KEY-A", 1)
	createTestLicense(t, s, "KEY-B", 1)
	banned := createTestLicense(t, s, "KEY-C", 1)

	_, err := s.UpdateLicense(ctx, banned.ID, models.LicenseUpdate{Status: models.StringPtr(models.LicenseStatusBanned)})
	require.NoError(t, err)

	all, err := s.ListLicenses(ctx, models.LicenseListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyBanned, err := s.ListLicenses(ctx, models.LicenseListOptions{Status: models.LicenseStatusBanned})
	require.NoError(t, err)
	require.Len(t, onlyBanned, 1)
	assert.Equal(t, "KEY-C", onlyBanned[0].LicenseKey)

	page, err := s.ListLicenses(ctx, models.LicenseListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestUpdateLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	license := createTestLicense(t, s, "KEY-UPD", 1)

	expiry := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Millisecond)
	updated, err := s.UpdateLicense(ctx, license.ID, models.LicenseUpdate{
		MaxDevices:    func() *int { v := 3; return &v }(),
		ExpiryDate:    &expiry,
		BoundUserID:   models.StringPtr("user-1"),
		BoundDeviceID: models.StringPtr("hw-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MaxDevices)

	got, err := s.GetLicenseByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxDevices)
	require.NotNil(t, got.BoundUserID)
	assert.Equal(t, "user-1", *got.BoundUserID)
	require.NotNil(t, got.ExpiryDate)
	assert.True(t, expiry.Equal(*got.ExpiryDate))

	_, err = s.UpdateLicense(ctx, license.ID, models.LicenseUpdate{ClearBinding: true, ClearExpiryDate: true})
	require.NoError(t, err)
	got, err = s.GetLicenseByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BoundUserID)
	assert.Nil(t, got.BoundDeviceID)
	assert.Nil(t, got.ExpiryDate)

	_, err = s.UpdateLicense(ctx, "missing", models.LicenseUpdate{Note: models.StringPtr("x")})
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestSessionLifecycleInTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	createTestLicense(t, s, "KEY-SESS", 2)

	now := time.Now().UTC()
	err := s.WithLicenseTx(ctx, "KEY-SESS", func(tx dbinterface.LicenseTx) error {
		if err := tx.UpsertSession(ctx, &models.ActiveSession{LicenseKey: "KEY-SESS", UserID: "u", DeviceID: "d1", ExpiryTimestamp: now.Add(time.Minute)}); err != nil {
			return err
		}
		return tx.UpsertSession(ctx, &models.ActiveSession{LicenseKey: "KEY-SESS", UserID: "u", DeviceID: "d2", ExpiryTimestamp: now.Add(-time.Minute)})
	})
	require.NoError(t, err)

	err = s.WithLicenseTx(ctx, "KEY-SESS", func(tx dbinterface.LicenseTx) error {
		count, err := tx.CountSessions(ctx, "KEY-SESS")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		swept, err := tx.DeleteSessions(ctx, models.SessionFilter{LicenseKey: "KEY-SESS", ExpiredBefore: &now})
		require.NoError(t, err)
		assert.EqualValues(t, 1, swept)

		count, err = tx.CountSessions(ctx, "KEY-SESS")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// refreshing the same triple does not add a row
		later := now.Add(3 * time.Minute)
		require.NoError(t, tx.UpsertSession(ctx, &models.ActiveSession{LicenseKey: "KEY-SESS", UserID: "u", DeviceID: "d1", ExpiryTimestamp: later}))
		count, err = tx.CountSessions(ctx, "KEY-SESS")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		found, err := tx.FindSession(ctx, "KEY-SESS", "u", "d1")
		require.NoError(t, err)
		assert.Equal(t, later.UnixMilli(), found.ExpiryTimestamp.UnixMilli())

		_, err = tx.FindSession(ctx, "KEY-SESS", "u", "d2")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestWithLicenseTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	license := createTestLicense(t, s, "KEY-RB", 1)

	boom := errors.New("boom")
	err := s.WithLicenseTx(ctx, "KEY-RB", func(tx dbinterface.LicenseTx) error {
		require.NoError(t, tx.UpsertSession(ctx, &models.ActiveSession{LicenseKey: "KEY-RB", UserID: "u", DeviceID: "d", ExpiryTimestamp: time.Now().Add(time.Minute)}))
		_, err := tx.UpdateLicense(ctx, license.ID, models.LicenseUpdate{BoundUserID: models.StringPtr("u")})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	sessions, err := s.ListSessions(ctx, "KEY-RB")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	got, err := s.GetLicenseByKey(ctx, "KEY-RB")
	require.NoError(t, err)
	assert.Nil(t, got.BoundUserID)
}

func TestDeleteLicenseInTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	license := createTestLicense(t, s, "KEY-DEL", 1)

	require.NoError(t, s.WithLicenseTx(ctx, license.LicenseKey, func(tx dbinterface.LicenseTx) error {
		return tx.UpsertSession(ctx, &models.ActiveSession{LicenseKey: "KEY-DEL", UserID: "u", DeviceID: "d", ExpiryTimestamp: time.Now().Add(time.Minute)})
	}))
	require.NoError(t, s.AppendAuditEntry(ctx, &models.AuditLogEntry{LicenseKey: "KEY-DEL", Action: models.AuditActionSuccess, Message: "ok"}))

	require.NoError(t, s.WithLicenseTx(ctx, license.LicenseKey, func(tx dbinterface.LicenseTx) error {
		if _, err := tx.DeleteSessions(ctx, models.SessionFilter{LicenseKey: "KEY-DEL"}); err != nil {
			return err
		}
		return tx.DeleteLicense(ctx, license.ID)
	}))

	_, err := s.GetLicenseByID(ctx, license.ID)
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)

	sessions, err := s.ListSessions(ctx, "KEY-DEL")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	entries, err := s.ListAuditEntries(ctx, "KEY-DEL", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "audit rows survive license deletion")

	err = s.WithLicenseTx(ctx, "KEY-DEL", func(tx dbinterface.LicenseTx) error {
		return tx.DeleteLicense(ctx, license.ID)
	})
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestConcurrentTransactionsNeverExceedCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	createTestLicense(t, s, "KEY-CAP", 1)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)

	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted := false
			err := s.WithLicenseTx(context.Background(), "KEY-CAP", func(tx dbinterface.LicenseTx) error {
				count, err := tx.CountSessions(ctx, "KEY-CAP")
				if err != nil {
					return err
				}
				if count >= 1 {
					return nil
				}
				granted = true
				return tx.UpsertSession(ctx, &models.ActiveSession{
					LicenseKey:      "KEY-CAP",
					UserID:          "u",
					DeviceID:        string(rune('a' + i)),
					ExpiryTimestamp: time.Now().Add(time.Minute),
				})
			})
			if err != nil {
				t.Errorf("transaction failed: %v", err)
			}
			results <- granted
		}(i)
	}
	wg.Wait()
	close(results)

	granted := 0
	for g := range results {
		if g {
			granted++
		}
	}
	assert.Equal(t, 1, granted)

	sessions, err := s.ListSessions(ctx, "KEY-CAP")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestAuditEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i, action := range []string{models.AuditActionError, models.AuditActionSuccess, models.AuditActionLogout} {
		entry := &models.AuditLogEntry{
			LicenseKey: "KEY-AUD",
			Action:     action,
			Message:    action,
			UserID:     models.StringPtr("u"),
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendAuditEntry(ctx, entry))
		assert.NotZero(t, entry.ID)
	}

	entries, err := s.ListAuditEntries(ctx, "KEY-AUD", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditActionLogout, entries[0].Action)
	require.NotNil(t, entries[0].UserID)
	assert.Nil(t, entries[0].DeviceID)
}

func TestPruneExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, s.WithLicenseTx(ctx, "", func(tx dbinterface.LicenseTx) error {
		for i, exp := range []time.Time{now.Add(-2 * time.Minute), now.Add(-time.Second), now.Add(time.Minute)} {
			if err := tx.UpsertSession(ctx, &models.ActiveSession{
				LicenseKey:      "KEY-PRUNE",
				UserID:          "u",
				DeviceID:        string(rune('a' + i)),
				ExpiryTimestamp: exp,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
